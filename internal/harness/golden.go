package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// AssertGolden compares the result against the scenario's golden file under
// testdata/golden. Regenerate with: go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, res *Result) {
	t.Helper()

	data, err := json.MarshalIndent(res, "", "  ")
	require.NoError(t, err, "marshal result")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(data, '\n'))
}
