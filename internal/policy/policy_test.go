package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/deps"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, payloadDir string, rules []rule) {
	dir := filepath.Join(payloadDir, agent.ConcordSystemDirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	b, err := json.Marshal(rules)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, agent.PolicyFileName), b, 0o644))
}

func TestLoad_MissingFileAllowsEverything(t *testing.T) {
	eng, err := Load(t.TempDir())
	require.NoError(t, err)

	decision, _, err := eng.Check(context.Background(), "mvn:org.evil:backdoor:1.0")
	require.NoError(t, err)
	require.Equal(t, deps.Allow, decision)
}

func TestCheck_DenyRuleMatches(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, []rule{{Artifact: "org.evil:*:*", Action: "deny"}})

	eng, err := Load(dir)
	require.NoError(t, err)

	decision, reason, err := eng.Check(context.Background(), "mvn:org.evil:backdoor:1.0")
	require.NoError(t, err)
	require.Equal(t, deps.Deny, decision)
	require.NotEmpty(t, reason)
}

func TestCheck_WarnRuleMatches(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, []rule{{Artifact: "org.example:*:*", Action: "warn"}})

	eng, err := Load(dir)
	require.NoError(t, err)

	decision, _, err := eng.Check(context.Background(), "mvn:org.example:widget:1.0")
	require.NoError(t, err)
	require.Equal(t, deps.Warn, decision)
}

func TestCheck_NonMavenURIAlwaysAllowed(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, []rule{{Artifact: "*", Action: "deny"}})

	eng, err := Load(dir)
	require.NoError(t, err)

	decision, _, err := eng.Check(context.Background(), "https://example.com/lib.jar")
	require.NoError(t, err)
	require.Equal(t, deps.Allow, decision)
}

func TestFactory_SwallowsMalformedPolicy(t *testing.T) {
	dir := t.TempDir()
	concordDir := filepath.Join(dir, agent.ConcordSystemDirName)
	require.NoError(t, os.MkdirAll(concordDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(concordDir, agent.PolicyFileName), []byte("not json"), 0o644))

	eng := Factory(dir)
	decision, _, err := eng.Check(context.Background(), "mvn:org.example:widget:1.0")
	require.NoError(t, err)
	require.Equal(t, deps.Allow, decision)
}
