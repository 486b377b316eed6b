// Package deps resolves a job's declared dependency URIs into local
// filesystem paths, enforcing policy before anything is downloaded.
package deps

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/logger"
	"golang.org/x/sync/singleflight"
)

// mavenScheme is passed straight through to the ArtifactResolver - Maven
// coordinates aren't URLs and normalizing them would corrupt them.
const mavenScheme = "mvn"

// Decision is a PolicyEngine's verdict on one dependency URI.
type Decision int

const (
	Allow Decision = iota
	Warn
	Deny
)

// ArtifactResolver fetches (or locates in a local cache) the artifact a
// normalized dependency URI refers to, returning its local path.
type ArtifactResolver interface {
	Resolve(ctx context.Context, normalizedURI string) (localPath string, err error)
}

// PolicyEngine evaluates one normalized dependency URI against whatever
// allow/warn/deny rules are configured.
type PolicyEngine interface {
	Check(ctx context.Context, normalizedURI string) (Decision, string, error)
}

// Resolver is the DependencyResolver of spec.md §4.2.
type Resolver struct {
	Artifacts ArtifactResolver
	Policy    PolicyEngine

	httpClient *http.Client
	sf         singleflight.Group
}

func New(artifacts ArtifactResolver, policy PolicyEngine) *Resolver {
	return &Resolver{
		Artifacts: artifacts,
		Policy:    policy,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Never auto-follow: followRedirects walks each hop itself so
			// the terminal URI can be recorded; policy is checked once, on
			// that terminal URI, in Resolve.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Resolve normalizes, policy-checks, and fetches every URI in uris,
// returning their local paths sorted lexicographically (spec.md §4.2's
// "deterministic ordering" requirement, needed for cmdbuilder's manifest
// hash to be stable across runs of the same job).
func (r *Resolver) Resolve(ctx context.Context, instanceID string, uris []string, debug bool) ([]string, error) {
	start := time.Now()
	if debug {
		logger.Log.Info().Str("instance_id", instanceID).Int("count", len(uris)).Msg("deps: resolving")
	}

	paths := make([]string, 0, len(uris))
	var forbidden []string

	for _, raw := range uris {
		normalized, err := r.normalize(ctx, raw)
		if err != nil {
			return nil, &agent.ExecError{Kind: agent.ErrBadDependencyURL, InstanceID: instanceID, Msg: err.Error()}
		}

		decision, reason, err := r.Policy.Check(ctx, normalized)
		if err != nil {
			return nil, &agent.ExecError{Kind: agent.ErrResolverFailure, InstanceID: instanceID, Msg: err.Error()}
		}
		switch decision {
		case Deny:
			forbidden = append(forbidden, fmt.Sprintf("%s (%s)", normalized, reason))
			continue
		case Warn:
			logger.Log.Warn().Str("instance_id", instanceID).Str("dependency", normalized).Str("reason", reason).Msg("deps: policy warning")
		}

		path, err := r.resolveOne(ctx, normalized)
		if err != nil {
			return nil, &agent.ExecError{Kind: agent.ErrResolverFailure, InstanceID: instanceID, Msg: err.Error()}
		}
		paths = append(paths, path)
	}

	if len(forbidden) > 0 {
		return nil, &agent.ExecError{
			Kind:       agent.ErrForbiddenDependencies,
			InstanceID: instanceID,
			Msg:        strings.Join(forbidden, "; "),
		}
	}

	sort.Strings(paths)

	if debug {
		logger.Log.Info().Str("instance_id", instanceID).Dur("elapsed", time.Since(start)).Msg("deps: resolved")
	}
	return paths, nil
}

// resolveOne dedups concurrent resolutions of the same normalized URI made
// through this Resolver. agent/runner builds a new Resolver for every job,
// so resolutions in different jobs are not collapsed.
func (r *Resolver) resolveOne(ctx context.Context, normalized string) (string, error) {
	v, err, _ := r.sf.Do(normalized, func() (interface{}, error) {
		return r.Artifacts.Resolve(ctx, normalized)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// normalize follows HTTP redirects one hop at a time (never via the
// http.Client's own redirect-following). mvn: coordinates are passed
// through as-is - they aren't URLs and normalizing them would corrupt
// them. Every other URI must carry a scheme; a non-http(s) scheme (ftp:,
// s3:, ...) is logged and passed through unchanged rather than resolved.
func (r *Resolver) normalize(ctx context.Context, raw string) (string, error) {
	if strings.HasPrefix(raw, mavenScheme+":") {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("malformed dependency uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("invalid dependency url %q: missing url scheme", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		logger.Log.Warn().Str("uri", raw).Str("scheme", u.Scheme).Msg("deps: non-http dependency scheme left unchanged")
		return raw, nil
	}

	return r.followRedirects(ctx, raw, 0)
}

const maxRedirects = 10

func (r *Resolver) followRedirects(ctx context.Context, rawURL string, depth int) (string, error) {
	if depth >= maxRedirects {
		return "", fmt.Errorf("too many redirects resolving %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("malformed dependency uri %q: %w", rawURL, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("probing dependency uri %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", fmt.Errorf("redirect from %q missing Location header", rawURL)
		}
		next, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return "", fmt.Errorf("malformed redirect target %q: %w", loc, err)
		}
		return r.followRedirects(ctx, next.String(), depth+1)
	}

	return rawURL, nil
}
