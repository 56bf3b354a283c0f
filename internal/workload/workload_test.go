package workload

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salviati/cuckooset"
)

func TestOpMixValidate(t *testing.T) {
	assert.NoError(t, DefaultOpMix.Validate())
	assert.Error(t, OpMix{Contains: 0.5, Add: 0.5, Remove: 0.5}.Validate())
	assert.Error(t, OpMix{Contains: -0.1, Add: 0.6, Remove: 0.5}.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{NumThreads: 1, NumInitialKeys: 10, TotalOps: 10, OpMix: DefaultOpMix}
	assert.NoError(t, cfg.Validate())

	cfg.NumThreads = 0
	assert.Error(t, cfg.Validate())
}

func TestPopulateRespectsRangeCeiling(t *testing.T) {
	set := cuckooset.NewSequential[uint64](8)
	cfg := Config{
		NumInitialKeys: 100,
		PopulateRange:  KeyRange{Low: 1, High: 10},
	}

	n := Populate(set, cfg, newTestRand())
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, set.Size())
}

func TestRunSequentialSizeInvariantHolds(t *testing.T) {
	set := cuckooset.NewSequential[uint64](8)
	cfg := Config{
		NumThreads:     1,
		NumInitialKeys: 50,
		TotalOps:       2000,
		ValueRange:     KeyRange{Low: 1, High: 1000},
		PopulateRange:  KeyRange{Low: 1, High: 1000},
		OpMix:          DefaultOpMix,
	}

	report, err := Run(context.Background(), "sequential", set, cfg, 1)
	require.NoError(t, err)
	assert.True(t, report.Passed, "expected %d observed %d", report.ExpectedSize, report.ObservedSize)
	assert.Equal(t, int64(cfg.TotalOps), report.OpsPerformed)
}

func TestRunConcurrentSizeInvariantHolds(t *testing.T) {
	set := cuckooset.NewConcurrent[uint64](8)
	cfg := Config{
		NumThreads:     8,
		NumInitialKeys: 200,
		TotalOps:       20000,
		ValueRange:     KeyRange{Low: 1, High: 5000},
		PopulateRange:  KeyRange{Low: 1, High: 5000},
		OpMix:          DefaultOpMix,
	}

	report, err := Run(context.Background(), "concurrent", set, cfg, 2)
	require.NoError(t, err)
	assert.True(t, report.Passed, "expected %d observed %d", report.ExpectedSize, report.ObservedSize)
}

func TestRunTransactionalSizeInvariantHolds(t *testing.T) {
	set := cuckooset.NewTransactional[uint64](8)
	cfg := Config{
		NumThreads:     8,
		NumInitialKeys: 200,
		TotalOps:       20000,
		ValueRange:     KeyRange{Low: 1, High: 5000},
		PopulateRange:  KeyRange{Low: 1, High: 5000},
		OpMix:          DefaultOpMix,
	}

	report, err := Run(context.Background(), "transactional", set, cfg, 3)
	require.NoError(t, err)
	assert.True(t, report.Passed, "expected %d observed %d", report.ExpectedSize, report.ObservedSize)
}

func TestRunInvalidConfigReturnsError(t *testing.T) {
	set := cuckooset.NewSequential[uint64](8)
	cfg := Config{NumThreads: 0}

	_, err := Run(context.Background(), "sequential", set, cfg, 1)
	assert.Error(t, err)
}

func newTestRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}
