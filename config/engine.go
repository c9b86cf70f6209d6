package config

import (
	"time"

	"github.com/teakwood/teak/storage/table"
)

// Storage engine tunables. The truncate cutoffs default to empirically
// tuned values; they are parameters rather than constants because the
// benchmarks behind them assumed a different memory layout.
var (
	blockSize               int
	truncateCutoff          float64
	truncateCutoffWithViews float64
	compactionLoad          float64
	maxCompactionRetries    int
	idleCompactionInterval  time.Duration

	drDefaultCapacity   int64
	drSecondaryCapacity int64
	drActiveActive      bool
)

func init() {
	def := table.DefaultConfig()

	IntParam(&blockSize, "block-size", def.BlockSize, Default)
	Float64Param(&truncateCutoff, "truncate-cutoff", def.TruncateCutoff, Default)
	Float64Param(&truncateCutoffWithViews, "truncate-cutoff-with-views",
		def.TruncateCutoffWithViews, Default)
	Float64Param(&compactionLoad, "compaction-load", def.CompactionLoad, Default)
	IntParam(&maxCompactionRetries, "max-compaction-retries", def.MaxCompactionRetries,
		Default)
	DurationParam(&idleCompactionInterval, "idle-compaction-interval", time.Minute,
		Default)

	Int64Param(&drDefaultCapacity, "dr-default-capacity", 2*1024*1024, Default)
	Int64Param(&drSecondaryCapacity, "dr-secondary-capacity", 32*1024*1024, Default)
	BoolParam(&drActiveActive, "dr-active-active", false, NoUpdate)
}

// TableConfig builds the storage tunables for new tables from the current
// parameter values.
func TableConfig() table.Config {
	return table.Config{
		BlockSize:               blockSize,
		TruncateCutoff:          truncateCutoff,
		TruncateCutoffWithViews: truncateCutoffWithViews,
		CompactionLoad:          compactionLoad,
		MaxCompactionRetries:    maxCompactionRetries,
	}
}

// DRCapacities returns the stream's default and secondary buffer
// capacities.
func DRCapacities() (int64, int64) {
	return drDefaultCapacity, drSecondaryCapacity
}

func DRActiveActive() bool {
	return drActiveActive
}

func IdleCompactionInterval() time.Duration {
	return idleCompactionInterval
}

// IdleCompactor builds the periodic compaction driver from the configured
// interval; run is the partition owner's serialization hook.
func IdleCompactor(tables func() []*table.Table, run func(func())) *table.IdleCompactor {
	return table.NewIdleCompactor(idleCompactionInterval, tables, run)
}
