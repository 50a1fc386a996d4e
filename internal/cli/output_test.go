package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitError_Message(t *testing.T) {
	err := NewExitError(ExitFailure, "scenarios failed")
	assert.Equal(t, "scenarios failed", err.Error())

	wrapped := WrapExitError(ExitCommandError, "failed to open database", errors.New("no such file"))
	assert.Equal(t, "failed to open database: no such file", wrapped.Error())
	assert.Equal(t, "no such file", errors.Unwrap(wrapped).Error())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "x")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))

	// Wrapped ExitErrors still carry their code.
	wrapped := fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "inner"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))

	// Plain errors default to failure.
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Success(map[string]int{"count": 3}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Error("E_SCENARIO_FAILED", "2 scenario(s) failed", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)
}

func TestOutputFormatter_TextError(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf, Verbose: true}

	require.NoError(t, f.Error("E_INVALID_SCENARIO", "schema mismatch", "steps[2]"))
	assert.Contains(t, buf.String(), "Error [E_INVALID_SCENARIO]: schema mismatch")
	assert.Contains(t, buf.String(), "steps[2]")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	var out, errOut bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out, ErrWriter: &errOut, Verbose: true}

	f.VerboseLog("loaded %d scenarios", 4)
	assert.Empty(t, out.String(), "diagnostics must not corrupt JSON output")
	assert.Contains(t, errOut.String(), "loaded 4 scenarios")

	f.Verbose = false
	errOut.Reset()
	f.VerboseLog("quiet")
	assert.Empty(t, errOut.String())
}
