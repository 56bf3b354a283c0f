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

// Command cuckoobench drives the three cuckooset backends through an
// identical mixed workload and reports whether each preserves its size
// invariant.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/templexxx/cpu"

	"github.com/salviati/cuckooset"
	"github.com/salviati/cuckooset/internal/workload"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out *os.File) int {
	fs := flag.NewFlagSet("cuckoobench", flag.ContinueOnError)
	numThreads := fs.Int("num-threads", 4, "number of worker threads per backend")
	numInitialKeys := fs.Int("num-initial-keys", 1000, "unique keys to pre-populate")
	totalOps := fs.Int("total-ops", 100000, "total operations distributed across workers")
	valueLow := fs.Uint64("value-range-low", 1, "inclusive lower bound for op keys")
	valueHigh := fs.Uint64("value-range-high", 10000, "inclusive upper bound for op keys")
	populateLow := fs.Uint64("populate-range-low", 1, "inclusive lower bound for initial keys")
	populateHigh := fs.Uint64("populate-range-high", 10000, "inclusive upper bound for initial keys")
	mixContains := fs.Float64("mix-contains", workload.DefaultOpMix.Contains, "contains weight of the op mix")
	mixAdd := fs.Float64("mix-add", workload.DefaultOpMix.Add, "add weight of the op mix")
	mixRemove := fs.Float64("mix-remove", workload.DefaultOpMix.Remove, "remove weight of the op mix")
	initialCapacity := fs.Int("initial-capacity", 16, "initial per-table capacity for every backend")
	jsonOutput := fs.Bool("json", false, "emit machine-readable JSON instead of the text report")
	seed := fs.Int64("seed", 1, "base RNG seed; each backend and worker derives its own seed from it")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}

		fmt.Fprintln(out, err)

		return 2
	}

	cfg := workload.Config{
		NumThreads:     *numThreads,
		NumInitialKeys: *numInitialKeys,
		TotalOps:       *totalOps,
		ValueRange:     workload.KeyRange{Low: *valueLow, High: *valueHigh},
		PopulateRange:  workload.KeyRange{Low: *populateLow, High: *populateHigh},
		OpMix:          workload.OpMix{Contains: *mixContains, Add: *mixAdd, Remove: *mixRemove},
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(out, err)

		return 2
	}

	if !*jsonOutput {
		fmt.Fprintf(out, "host: %s, avx2=%v\n\n", cpu.X86.Signature, cpu.X86.HasAVX2)
	}

	ctx := context.Background()
	backends := []struct {
		name string
		set  func() cuckooset.Set[uint64]
	}{
		{"sequential", func() cuckooset.Set[uint64] { return cuckooset.NewSequential[uint64](*initialCapacity) }},
		{"concurrent", func() cuckooset.Set[uint64] { return cuckooset.NewConcurrent[uint64](*initialCapacity) }},
		{"transactional", func() cuckooset.Set[uint64] { return cuckooset.NewTransactional[uint64](*initialCapacity) }},
	}

	reports := make([]workload.Report, 0, len(backends))
	allPassed := true

	for i, b := range backends {
		report, err := runBackend(ctx, b.name, b.set(), cfg, *seed+int64(i)*1_000_003)
		if err != nil {
			fmt.Fprintf(out, "%s: FAIL: %v\n", b.name, err)
			allPassed = false

			continue
		}

		reports = append(reports, report)

		if !report.Passed {
			allPassed = false
		}

		if !*jsonOutput {
			printReport(out, report)
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		if err := enc.Encode(reports); err != nil {
			fmt.Fprintln(out, err)

			return 2
		}
	}

	if !allPassed {
		return 1
	}

	return 0
}

// runBackend recovers a FatalError raised by the backend under test so
// one backend's bug is reported as a FAIL rather than aborting the rest
// of the benchmark run.
func runBackend(ctx context.Context, name string, set cuckooset.Set[uint64], cfg workload.Config, seed int64) (report workload.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*cuckooset.FatalError); ok {
				err = fe
				return
			}

			panic(r)
		}
	}()

	return workload.Run(ctx, name, set, cfg, seed)
}

func printReport(out *os.File, r workload.Report) {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}

	fmt.Fprintf(out, "=== %s ===\n", r.Backend)
	fmt.Fprintf(out, "initial size:    %d\n", r.InitialSize)
	fmt.Fprintf(out, "ops performed:   %d\n", r.OpsPerformed)
	fmt.Fprintf(out, "  contains hit:    %d (%.1f%%)\n", r.Stats.ContainsHits, pct(r.Stats.ContainsHits, r.OpsPerformed))
	fmt.Fprintf(out, "  contains miss:   %d (%.1f%%)\n", r.Stats.ContainsMisses, pct(r.Stats.ContainsMisses, r.OpsPerformed))
	fmt.Fprintf(out, "  add ok:          %d (%.1f%%)\n", r.Stats.SuccessfulAdds, pct(r.Stats.SuccessfulAdds, r.OpsPerformed))
	fmt.Fprintf(out, "  add dup:         %d (%.1f%%)\n", r.Stats.FailedAdds, pct(r.Stats.FailedAdds, r.OpsPerformed))
	fmt.Fprintf(out, "  remove ok:       %d (%.1f%%)\n", r.Stats.SuccessfulRemoves, pct(r.Stats.SuccessfulRemoves, r.OpsPerformed))
	fmt.Fprintf(out, "  remove miss:     %d (%.1f%%)\n", r.Stats.FailedRemoves, pct(r.Stats.FailedRemoves, r.OpsPerformed))
	fmt.Fprintf(out, "expected size:   %d\n", r.ExpectedSize)
	fmt.Fprintf(out, "observed size:   %d\n", r.ObservedSize)
	fmt.Fprintf(out, "result:          %s\n", status)
	fmt.Fprintf(out, "elapsed:         %s\n\n", r.Elapsed)
}

func pct(n, total int64) float64 {
	if total == 0 {
		return 0
	}

	return 100 * float64(n) / float64(total)
}
