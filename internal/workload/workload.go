// Copyright (c) 2014 Utkan Güngördü <utkan@freeconsole.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package workload drives a mixed contains/add/remove benchmark against
// any cuckooset backend and checks its size invariant after join.
package workload

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/templexxx/tsc"
	"golang.org/x/sync/errgroup"

	"github.com/salviati/cuckooset"
)

// OpMix is three non-negative weights over {contains, add, remove};
// Validate requires they sum to 1.
type OpMix struct {
	Contains float64
	Add      float64
	Remove   float64
}

// Validate reports whether the mix is well-formed.
func (m OpMix) Validate() error {
	if m.Contains < 0 || m.Add < 0 || m.Remove < 0 {
		return fmt.Errorf("workload: op mix weights must be non-negative, got %+v", m)
	}

	sum := m.Contains + m.Add + m.Remove
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("workload: op mix weights must sum to 1, got %.4f", sum)
	}

	return nil
}

// DefaultOpMix is an 80/10/10 contains/add/remove split, read-heavy to
// match typical lookup-table usage.
var DefaultOpMix = OpMix{Contains: 0.8, Add: 0.1, Remove: 0.1}

// KeyRange is an inclusive [Low, High] range keys are drawn from.
type KeyRange struct {
	Low, High uint64
}

func (r KeyRange) draw(rng *rand.Rand) uint64 {
	if r.High <= r.Low {
		return r.Low
	}

	span := r.High - r.Low + 1

	return r.Low + uint64(rng.Int63n(int64(span)))
}

// Config is the benchmark driver's tuning surface.
type Config struct {
	NumThreads     int
	NumInitialKeys int
	TotalOps       int
	ValueRange     KeyRange
	PopulateRange  KeyRange
	OpMix          OpMix
}

// Validate checks the configuration is runnable.
func (c Config) Validate() error {
	if c.NumThreads < 1 {
		return fmt.Errorf("workload: num_threads must be >= 1, got %d", c.NumThreads)
	}

	if c.NumInitialKeys < 0 {
		return fmt.Errorf("workload: num_initial_keys must be >= 0, got %d", c.NumInitialKeys)
	}

	if c.TotalOps < 0 {
		return fmt.Errorf("workload: total_ops must be >= 0, got %d", c.TotalOps)
	}

	return c.OpMix.Validate()
}

// Stats holds the per-op counters, each updated with atomic.Int64 so
// workers never race on them; the driver reads them only after
// errgroup.Wait() returns.
type Stats struct {
	ContainsHits      atomic.Int64
	ContainsMisses    atomic.Int64
	SuccessfulAdds    atomic.Int64
	FailedAdds        atomic.Int64
	SuccessfulRemoves atomic.Int64
	FailedRemoves     atomic.Int64
}

// Snapshot is Stats's immutable, JSON-friendly counterpart, taken after
// all workers have joined.
type Snapshot struct {
	ContainsHits      int64 `json:"contains_hits"`
	ContainsMisses    int64 `json:"contains_misses"`
	SuccessfulAdds    int64 `json:"successful_adds"`
	FailedAdds        int64 `json:"failed_adds"`
	SuccessfulRemoves int64 `json:"successful_removes"`
	FailedRemoves     int64 `json:"failed_removes"`
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		ContainsHits:      s.ContainsHits.Load(),
		ContainsMisses:    s.ContainsMisses.Load(),
		SuccessfulAdds:    s.SuccessfulAdds.Load(),
		FailedAdds:        s.FailedAdds.Load(),
		SuccessfulRemoves: s.SuccessfulRemoves.Load(),
		FailedRemoves:     s.FailedRemoves.Load(),
	}
}

func (s Snapshot) opsPerformed() int64 {
	return s.ContainsHits + s.ContainsMisses + s.SuccessfulAdds + s.FailedAdds + s.SuccessfulRemoves + s.FailedRemoves
}

// Report is one backend's full benchmark result.
type Report struct {
	Backend      string        `json:"backend"`
	InitialSize  int           `json:"initial_size"`
	OpsPerformed int64         `json:"ops_performed"`
	Stats        Snapshot      `json:"stats"`
	ExpectedSize int           `json:"expected_size"`
	ObservedSize int           `json:"observed_size"`
	Passed       bool          `json:"passed"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Populate draws cfg.NumInitialKeys distinct keys from cfg.PopulateRange
// and adds them to set, returning the count actually inserted. That is
// fewer than requested when PopulateRange can't supply that many distinct
// values, or when 64 draws per wanted key have not produced enough new
// ones.
func Populate(set cuckooset.Set[uint64], cfg Config, rng *rand.Rand) int {
	span := cfg.PopulateRange.High - cfg.PopulateRange.Low + 1
	want := cfg.NumInitialKeys

	if uint64(want) > span {
		want = int(span)
	}

	inserted := 0
	attempts := 0
	maxAttempts := want * 64

	for inserted < want && attempts < maxAttempts {
		attempts++

		if set.Add(cfg.PopulateRange.draw(rng)) {
			inserted++
		}
	}

	return inserted
}

// Run populates a fresh set, drives cfg.NumThreads workers each
// performing cfg.TotalOps/cfg.NumThreads operations (the first
// cfg.TotalOps%cfg.NumThreads workers perform one more), joins them with
// an errgroup (so a worker's FatalError panic surfaces as an error rather
// than crashing the whole benchmark; any other panic is re-raised), and
// checks the size invariant.
func Run(ctx context.Context, backend string, set cuckooset.Set[uint64], cfg Config, seed int64) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}

	rng := rand.New(rand.NewSource(seed))
	initialSize := Populate(set, cfg, rng)

	var stats Stats

	// tsc.UnixNano falls back to time.Now().UnixNano() on its own when the
	// host lacks an invariant TSC, so no fallback branch is needed here.
	start := tsc.UnixNano()

	g, ctx := errgroup.WithContext(ctx)
	perWorker := cfg.TotalOps / cfg.NumThreads
	remainder := cfg.TotalOps % cfg.NumThreads

	for w := 0; w < cfg.NumThreads; w++ {
		ops := perWorker
		if w < remainder {
			ops++
		}

		workerSeed := seed + int64(w) + 1

		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					if fe, ok := r.(*cuckooset.FatalError); ok {
						err = fe
						return
					}

					panic(r)
				}
			}()

			runWorker(ctx, set, cfg, &stats, ops, workerSeed)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("workload: %s: %w", backend, err)
	}

	elapsed := time.Duration(tsc.UnixNano() - start)

	snap := stats.snapshot()
	expected := initialSize + int(snap.SuccessfulAdds) - int(snap.SuccessfulRemoves)
	observed := set.Size()

	return Report{
		Backend:      backend,
		InitialSize:  initialSize,
		OpsPerformed: snap.opsPerformed(),
		Stats:        snap,
		ExpectedSize: expected,
		ObservedSize: observed,
		Passed:       expected == observed,
		Elapsed:      elapsed,
	}, nil
}

func runWorker(ctx context.Context, set cuckooset.Set[uint64], cfg Config, stats *Stats, ops int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	containsCut := cfg.OpMix.Contains
	addCut := containsCut + cfg.OpMix.Add

	for i := 0; i < ops; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		k := cfg.ValueRange.draw(rng)
		roll := rng.Float64()

		switch {
		case roll < containsCut:
			if set.Contains(k) {
				stats.ContainsHits.Add(1)
			} else {
				stats.ContainsMisses.Add(1)
			}
		case roll < addCut:
			if set.Add(k) {
				stats.SuccessfulAdds.Add(1)
			} else {
				stats.FailedAdds.Add(1)
			}
		default:
			if set.Remove(k) {
				stats.SuccessfulRemoves.Add(1)
			} else {
				stats.FailedRemoves.Add(1)
			}
		}
	}
}
