// Package policy implements the default deps.PolicyEngine: a small rule
// grammar loaded from a job's <payload>/.concord/policy.json, per spec.md
// §4.1/§4.2.
package policy

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"strings"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/deps"
)

// rule is one entry of policy.json: {"artifact": "<glob>", "action": "warn"|"deny"}.
type rule struct {
	Artifact string `json:"artifact"`
	Action   string `json:"action"`
}

// DefaultPolicyEngine evaluates a job's policy.json against the
// group:artifact:version triple of each dependency it can extract one
// from - unmatched or non-Maven dependencies are always ALLOW.
type DefaultPolicyEngine struct {
	rules []rule
}

// Load reads policy.json from payloadDir/.concord/policy.json. A missing
// file means no rules are configured - everything is ALLOW.
func Load(payloadDir string) (*DefaultPolicyEngine, error) {
	path := path.Join(payloadDir, agent.ConcordSystemDirName, agent.PolicyFileName)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &DefaultPolicyEngine{}, nil
	}
	if err != nil {
		return nil, err
	}

	var rules []rule
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, err
	}
	return &DefaultPolicyEngine{rules: rules}, nil
}

// Factory adapts Load into a runner.PolicyFactory, swallowing load errors
// into a no-rules engine - a malformed policy.json should not itself make
// every dependency resolution fail the job with an opaque error.
func Factory(payloadDir string) deps.PolicyEngine {
	eng, err := Load(payloadDir)
	if err != nil {
		return &DefaultPolicyEngine{}
	}
	return eng
}

func (e *DefaultPolicyEngine) Check(_ context.Context, normalizedURI string) (deps.Decision, string, error) {
	triple, ok := mavenTriple(normalizedURI)
	if !ok {
		return deps.Allow, "", nil
	}

	for _, r := range e.rules {
		matched, err := path.Match(r.Artifact, triple)
		if err != nil {
			continue
		}
		if !matched {
			continue
		}
		switch r.Action {
		case "deny":
			return deps.Deny, "matched policy rule " + r.Artifact, nil
		case "warn":
			return deps.Warn, "matched policy rule " + r.Artifact, nil
		}
	}
	return deps.Allow, "", nil
}

func mavenTriple(normalizedURI string) (string, bool) {
	if !strings.HasPrefix(normalizedURI, "mvn:") {
		return "", false
	}
	return strings.TrimPrefix(normalizedURI, "mvn:"), true
}
