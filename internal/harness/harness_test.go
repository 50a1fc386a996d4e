package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runGolden(t *testing.T, name string) {
	t.Helper()

	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)

	res, err := Run(s)
	require.NoError(t, err)
	require.True(t, res.Pass, "assertion failures: %v", res.Errors)

	AssertGolden(t, name, res)
}

func TestScenario_DisjointFieldsCompose(t *testing.T) {
	runGolden(t, "disjoint-fields-compose")
}

func TestScenario_LockHandoff(t *testing.T) {
	runGolden(t, "lock-handoff")
}

func TestScenario_UndoRedo(t *testing.T) {
	runGolden(t, "undo-redo")
}

func writeScenario(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadScenario_RejectsUnknownOp(t *testing.T) {
	path := writeScenario(t, `
name: bad-op
description: op outside the schema enum
clients: [alice]
steps:
  - op: explode
    client: alice
assertions:
  - type: converged
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenario_RejectsUnknownClient(t *testing.T) {
	path := writeScenario(t, `
name: bad-client
description: step acted by a client not in the cast
clients: [alice]
steps:
  - op: undo
    client: dave
assertions:
  - type: converged
`)
	_, err := LoadScenario(path)
	require.ErrorContains(t, err, `unknown client "dave"`)
}

func TestLoadScenario_RejectsUnknownKey(t *testing.T) {
	path := writeScenario(t, `
name: bad-key
description: top-level key the schema does not know
clients: [alice]
mood: 3
steps:
  - op: sync
assertions:
  - type: converged
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenario_RequiresAdvanceMs(t *testing.T) {
	path := writeScenario(t, `
name: bad-advance
description: advance without a duration
clients: [alice]
steps:
  - op: advance
assertions:
  - type: converged
`)
	_, err := LoadScenario(path)
	require.ErrorContains(t, err, "advance requires ms")
}
