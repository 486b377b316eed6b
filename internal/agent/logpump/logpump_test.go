package logpump

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (f *fakeSink) Publish(_ context.Context, _ string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.chunks = append(f.chunks, cp)
	return nil
}

func (f *fakeSink) joined() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b bytes.Buffer
	for _, c := range f.chunks {
		b.Write(c)
	}
	return b.String()
}

func TestLog_AppendsBytes(t *testing.T) {
	dir := t.TempDir()
	fl, err := New("inst-1", dir, nil)
	require.NoError(t, err)
	defer fl.Delete()

	require.NoError(t, fl.Log(strings.NewReader("hello world\n")))

	info, err := fl.file.Stat()
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestRun_ShipsUntilStopAndDrains(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	fl, err := New("inst-1", dir, sink)
	require.NoError(t, err)
	defer fl.Delete()

	require.NoError(t, fl.Log(strings.NewReader("line one\n")))
	fl.RequestStop()

	done := make(chan error, 1)
	go func() { done <- fl.Run(fl.Stopped) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop was requested")
	}

	require.Contains(t, sink.joined(), "line one")
}

func TestRun_HardStopTimeoutBounds(t *testing.T) {
	old := hardStopTimeout
	hardStopTimeout = 50 * time.Millisecond
	defer func() { hardStopTimeout = old }()

	dir := t.TempDir()
	fl, err := New("inst-1", dir, nil)
	require.NoError(t, err)
	defer fl.Delete()

	stop := func() bool { return true }

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fl.Run(stop) }()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Less(t, time.Since(start), time.Second)
	case <-time.After(time.Second):
		t.Fatal("Run exceeded hard stop timeout")
	}
}

func TestDelete_RemovesFile(t *testing.T) {
	dir := t.TempDir()
	fl, err := New("inst-1", dir, nil)
	require.NoError(t, err)
	path := fl.path

	require.NoError(t, fl.Delete())

	_, statErr := os.Stat(path)
	require.Error(t, statErr)
}
