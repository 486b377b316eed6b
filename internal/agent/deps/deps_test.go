package deps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, uri string) (string, error) {
	f.calls++
	return "/cache/" + uri, nil
}

type fakePolicy struct {
	deny map[string]string
	warn map[string]string
}

func (p *fakePolicy) Check(_ context.Context, uri string) (Decision, string, error) {
	if reason, ok := p.deny[uri]; ok {
		return Deny, reason, nil
	}
	if reason, ok := p.warn[uri]; ok {
		return Warn, reason, nil
	}
	return Allow, "", nil
}

func TestResolve_AllowsAndSorts(t *testing.T) {
	r := New(&fakeResolver{}, &fakePolicy{})
	paths, err := r.Resolve(context.Background(), "inst-1", []string{"mvn:b:b:1", "mvn:a:a:1"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"/cache/mvn:a:a:1", "/cache/mvn:b:b:1"}, paths)
}

func TestResolve_DeniedDependencyFailsWhole(t *testing.T) {
	r := New(&fakeResolver{}, &fakePolicy{deny: map[string]string{"mvn:bad:bad:1": "blacklisted"}})
	_, err := r.Resolve(context.Background(), "inst-1", []string{"mvn:ok:ok:1", "mvn:bad:bad:1"}, false)
	require.Error(t, err)

	var execErr *agent.ExecError
	require.True(t, errors.As(err, &execErr))
	require.ErrorIs(t, execErr, agent.ErrForbiddenDependencies)
}

func TestResolve_WarnStillResolves(t *testing.T) {
	fr := &fakeResolver{}
	r := New(fr, &fakePolicy{warn: map[string]string{"mvn:flagged:flagged:1": "deprecated"}})
	paths, err := r.Resolve(context.Background(), "inst-1", []string{"mvn:flagged:flagged:1"}, false)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, 1, fr.calls)
}

func TestResolve_BadURLFails(t *testing.T) {
	r := New(&fakeResolver{}, &fakePolicy{})
	_, err := r.Resolve(context.Background(), "inst-1", []string{"nope"}, false)
	require.Error(t, err)

	var execErr *agent.ExecError
	require.True(t, errors.As(err, &execErr))
	require.ErrorIs(t, execErr, agent.ErrBadDependencyURL)
}

func TestNormalize_FollowsRedirectChainManually(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()

	hop1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, final.URL+"/artifact.jar", http.StatusFound)
	}))
	defer hop1.Close()

	r := New(&fakeResolver{}, &fakePolicy{})
	resolved, err := r.normalize(context.Background(), hop1.URL+"/start")
	require.NoError(t, err)
	require.Equal(t, final.URL+"/artifact.jar", resolved)
}

func TestNormalize_MavenAndFilePassThrough(t *testing.T) {
	r := New(&fakeResolver{}, &fakePolicy{})

	got, err := r.normalize(context.Background(), "mvn:com.acme:lib:1.0")
	require.NoError(t, err)
	require.Equal(t, "mvn:com.acme:lib:1.0", got)

	got, err = r.normalize(context.Background(), "file:///opt/deps/local.jar")
	require.NoError(t, err)
	require.Equal(t, "file:///opt/deps/local.jar", got)
}

func TestNormalize_MissingSchemeFails(t *testing.T) {
	r := New(&fakeResolver{}, &fakePolicy{})
	_, err := r.normalize(context.Background(), "/opt/deps/local.jar")
	require.Error(t, err)
}

func TestNormalize_NonHTTPSchemePassesThroughUnchanged(t *testing.T) {
	r := New(&fakeResolver{}, &fakePolicy{})
	got, err := r.normalize(context.Background(), "ftp://example.com/artifact.jar")
	require.NoError(t, err)
	require.Equal(t, "ftp://example.com/artifact.jar", got)
}
