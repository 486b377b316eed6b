package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_MavenComposesConventionalPath(t *testing.T) {
	r := New(t.TempDir())
	path, err := r.Resolve(context.Background(), "mvn:org.example:widget:1.2.3")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(r.CacheDir, "maven", "org", "example", "widget", "1.2.3", "widget-1.2.3.jar"), path)
}

func TestResolve_MalformedMavenCoordinateFails(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Resolve(context.Background(), "mvn:org.example:widget")
	require.Error(t, err)
}

func TestResolve_FilePassesThrough(t *testing.T) {
	r := New(t.TempDir())
	path, err := r.Resolve(context.Background(), "/local/path/lib.jar")
	require.NoError(t, err)
	require.Equal(t, "/local/path/lib.jar", path)
}

func TestResolve_DownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("jar-bytes"))
	}))
	defer srv.Close()

	r := New(t.TempDir())
	path, err := r.Resolve(context.Background(), srv.URL+"/lib.jar")
	require.NoError(t, err)

	contents, statErr := os.ReadFile(path)
	require.NoError(t, statErr)
	require.Equal(t, "jar-bytes", string(contents))

	// Second resolve should hit the on-disk cache, not re-download.
	path2, err := r.Resolve(context.Background(), srv.URL+"/lib.jar")
	require.NoError(t, err)
	require.Equal(t, path, path2)
}
