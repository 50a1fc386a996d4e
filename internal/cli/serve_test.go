package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand_StopsOnContextCancel(t *testing.T) {
	cmd := NewRootCommand()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	cmd.SetContext(ctx)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"serve", "--addr", "127.0.0.1:0"})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Relay started")
}

func TestServeCommand_BadDatabasePath(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	// A directory is not a usable SQLite file.
	cmd.SetArgs([]string{"serve", "--addr", "127.0.0.1:0", "--db", t.TempDir()})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
