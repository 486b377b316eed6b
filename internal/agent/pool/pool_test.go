package pool

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/fingerprint"
	"github.com/stretchr/testify/require"
)

func sleeperSpawn(t *testing.T) Spawn {
	return func() (*agent.ProcessEntry, error) {
		dir := t.TempDir()
		cmd := exec.Command("sleep", "5")
		require.NoError(t, cmd.Start())
		return &agent.ProcessEntry{
			Cmd:       cmd,
			ProcDir:   dir,
			CreatedAt: time.Now(),
		}, nil
	}
}

func TestTake_EmptyPoolSpawns(t *testing.T) {
	p := New(time.Hour, 4)
	fp := fingerprint.Of([]string{"a"})

	spawned := false
	entry, err := p.Take(fp, func() (*agent.ProcessEntry, error) {
		spawned = true
		return &agent.ProcessEntry{ProcDir: t.TempDir(), CreatedAt: time.Now()}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.True(t, spawned)
	require.Equal(t, 0, p.Size())
}

func TestPrewarmThenTake_ReusesEntry(t *testing.T) {
	p := New(time.Hour, 4)
	fp := fingerprint.Of([]string{"a"})
	spawn := sleeperSpawn(t)

	require.NoError(t, p.Prewarm(fp, spawn))
	require.Equal(t, 1, p.Size())

	called := false
	entry, err := p.Take(fp, func() (*agent.ProcessEntry, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.False(t, called)
	require.Equal(t, 0, p.Size())

	_ = entry.Cmd.Process.Kill()
	_, _ = entry.Cmd.Process.Wait()
}

func TestTake_EvictsExpiredEntry(t *testing.T) {
	p := New(time.Millisecond, 4)
	fp := fingerprint.Of([]string{"a"})
	spawn := sleeperSpawn(t)

	require.NoError(t, p.Prewarm(fp, spawn))
	time.Sleep(10 * time.Millisecond)

	called := false
	entry, err := p.Take(fp, func() (*agent.ProcessEntry, error) {
		called = true
		return &agent.ProcessEntry{ProcDir: t.TempDir(), CreatedAt: time.Now()}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.True(t, called, "expired entry must be evicted, not handed out")
}

func TestTake_EvictsDeadProcess(t *testing.T) {
	p := New(time.Hour, 4)
	fp := fingerprint.Of([]string{"a"})

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	p.mu.Lock()
	p.entries[fp] = append(p.entries[fp], &agent.ProcessEntry{
		Cmd:       cmd,
		ProcDir:   t.TempDir(),
		CreatedAt: time.Now(),
	})
	p.total++
	p.mu.Unlock()

	called := false
	_, err := p.Take(fp, func() (*agent.ProcessEntry, error) {
		called = true
		return &agent.ProcessEntry{ProcDir: t.TempDir(), CreatedAt: time.Now()}, nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestPrewarm_EvictsOldestWhenFull(t *testing.T) {
	p := New(time.Hour, 1)
	fpA := fingerprint.Of([]string{"a"})
	fpB := fingerprint.Of([]string{"b"})

	require.NoError(t, p.Prewarm(fpA, sleeperSpawn(t)))
	require.Equal(t, 1, p.Size())

	require.NoError(t, p.Prewarm(fpB, sleeperSpawn(t)))
	require.Equal(t, 1, p.Size())

	_, ok := p.popOldest(fpA)
	require.False(t, ok, "fpA's entry should have been evicted to make room for fpB")
}

func TestEvict_RemovesWorkingDir(t *testing.T) {
	dir := t.TempDir()
	entry := &agent.ProcessEntry{ProcDir: dir, CreatedAt: time.Now()}
	evictNow(entry)

	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestShutdown_EvictsEverything(t *testing.T) {
	p := New(time.Hour, 4)
	fp := fingerprint.Of([]string{"a"})
	require.NoError(t, p.Prewarm(fp, sleeperSpawn(t)))
	require.Equal(t, 1, p.Size())

	p.Shutdown()
	require.Equal(t, 0, p.Size())
}
