// Package pool implements the pre-fork warm-worker pool: up to maxCount
// ProcessEntry instances kept ready, keyed by launch-command fingerprint,
// evicted once they exceed maxAge or ProcessEntry.Alive reports their OS
// process as exited.
package pool

import (
	"os"
	"sync"
	"time"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/fingerprint"
	"github.com/forgehq/agentrunner/internal/logger"
)

// Spawn creates a fresh ProcessEntry rooted in a new temp dir. Both the
// take-path's on-demand spawn and Prewarm pass this in so the pool itself
// never depends on agent/launcher (that would be a reverse import - the
// launcher is a caller of the pool, not the other way around).
type Spawn func() (*agent.ProcessEntry, error)

// Pool is the per-fingerprint FIFO multimap of spec.md §4.3.
type Pool struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint][]*agent.ProcessEntry
	total   int

	maxAge   time.Duration
	maxCount int
}

func New(maxAge time.Duration, maxCount int) *Pool {
	return &Pool{
		entries:  make(map[fingerprint.Fingerprint][]*agent.ProcessEntry),
		maxAge:   maxAge,
		maxCount: maxCount,
	}
}

// Take pops the oldest eligible entry for fp, evicting (and skipping) any
// entries that have exceeded maxAge or whose process has already exited.
// When no eligible entry remains it calls spawn and returns its result
// without inserting into the pool - spec.md §4.3's take-path contract.
func (p *Pool) Take(fp fingerprint.Fingerprint, spawn Spawn) (*agent.ProcessEntry, error) {
	for {
		entry, ok := p.popOldest(fp)
		if !ok {
			return spawn()
		}
		if !p.eligible(entry) {
			p.evict(entry)
			continue
		}
		return entry, nil
	}
}

func (p *Pool) eligible(e *agent.ProcessEntry) bool {
	if !e.Alive() {
		return false
	}
	if p.maxAge <= 0 {
		return true
	}
	return time.Since(e.CreatedAt) < p.maxAge
}

func (p *Pool) popOldest(fp fingerprint.Fingerprint) (*agent.ProcessEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.entries[fp]
	if len(q) == 0 {
		return nil, false
	}
	entry := q[0]
	p.entries[fp] = q[1:]
	p.total--
	return entry, true
}

// Prewarm inserts a fresh entry into the pool for future reuse, evicting
// the globally oldest entry first when the pool is already at maxCount.
// Callers may invoke this at any time (e.g. after a job completes) -
// spec.md §4.3 requires only that Take be correct regardless of whether
// Prewarm ever runs.
func (p *Pool) Prewarm(fp fingerprint.Fingerprint, spawn Spawn) error {
	if p.maxCount <= 0 {
		return nil
	}

	p.mu.Lock()
	if p.total >= p.maxCount {
		victimFP, victim := p.oldestLocked()
		if victim != nil {
			p.removeLocked(victimFP, victim)
		}
	}
	p.mu.Unlock()

	entry, err := spawn()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.total >= p.maxCount {
		// Lost a race with a concurrent Prewarm; drop what we just spawned
		// rather than exceed maxCount.
		p.mu.Unlock()
		evictNow(entry)
		return nil
	}
	p.entries[fp] = append(p.entries[fp], entry)
	p.total++
	p.mu.Unlock()
	return nil
}

func (p *Pool) oldestLocked() (fingerprint.Fingerprint, *agent.ProcessEntry) {
	var oldestFP fingerprint.Fingerprint
	var oldest *agent.ProcessEntry
	for fp, q := range p.entries {
		if len(q) == 0 {
			continue
		}
		if oldest == nil || q[0].CreatedAt.Before(oldest.CreatedAt) {
			oldest = q[0]
			oldestFP = fp
		}
	}
	return oldestFP, oldest
}

func (p *Pool) removeLocked(fp fingerprint.Fingerprint, victim *agent.ProcessEntry) {
	q := p.entries[fp]
	for i, e := range q {
		if e == victim {
			p.entries[fp] = append(q[:i], q[i+1:]...)
			p.total--
			break
		}
	}
	go evictNow(victim)
}

// evict removes an entry found ineligible during Take: kills its process
// and deletes its working directory. Invariant: eviction always removes
// working-directory files (spec.md §4.3).
func (p *Pool) evict(e *agent.ProcessEntry) {
	evictNow(e)
}

func evictNow(e *agent.ProcessEntry) {
	if e.Cmd != nil && e.Cmd.Process != nil {
		_ = e.Cmd.Process.Kill()
	}
	if err := os.RemoveAll(e.ProcDir); err != nil {
		logger.Log.Warn().Err(err).Str("proc_dir", e.ProcDir).Msg("pool: failed to remove evicted working directory")
	}
}

// Size returns the total number of entries currently held across all
// fingerprints - for admin/status reporting and tests.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Snapshot reports per-fingerprint queue depth and the age of the oldest
// entry, for the admin/status HTTP surface (SPEC_FULL.md §4.10).
type Snapshot struct {
	Fingerprint string
	Depth       int
	OldestAge   time.Duration
}

func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.entries))
	for fp, q := range p.entries {
		if len(q) == 0 {
			continue
		}
		out = append(out, Snapshot{
			Fingerprint: fp.String(),
			Depth:       len(q),
			OldestAge:   time.Since(q[0].CreatedAt),
		})
	}
	return out
}

// EvictFingerprint force-evicts every entry held for fp, for operator-driven
// eviction (e.g. a known-bad dependency set). Returns the count evicted.
func (p *Pool) EvictFingerprint(fp fingerprint.Fingerprint) int {
	p.mu.Lock()
	q := p.entries[fp]
	delete(p.entries, fp)
	p.total -= len(q)
	p.mu.Unlock()

	for _, e := range q {
		evictNow(e)
	}
	return len(q)
}

// Shutdown evicts every remaining entry, used on agent shutdown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	all := p.entries
	p.entries = make(map[fingerprint.Fingerprint][]*agent.ProcessEntry)
	p.total = 0
	p.mu.Unlock()

	for _, q := range all {
		for _, e := range q {
			evictNow(e)
		}
	}
}
