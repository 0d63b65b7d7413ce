package ingest

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/config"
	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/store"
)

// Watchdog samples memory pressure and triggers fraction-targeted garbage
// collection when the store exceeds its budget, keyed on either the store's
// own retained bytes or the process share of system memory.
type Watchdog struct {
	cfg   config.GCConfig
	store *store.ChunkStore
	log   *zap.Logger
	proc  *process.Process
}

// NewWatchdog returns a watchdog for the store. Run it with Run.
func NewWatchdog(s *store.ChunkStore, cfg config.GCConfig) *Watchdog {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Watchdog{
		cfg:   cfg,
		store: s,
		log:   logger.Get().With(zap.String("store_id", s.ID())),
		proc:  proc,
	}
}

// Run samples until ctx is done. It is a no-op loop when both triggers are
// disabled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	trigger, reason := w.overBudget()
	if !trigger {
		return
	}

	res, _, err := w.store.GC(store.GCOptions{
		Target:        store.FractionTarget(w.cfg.TargetFraction),
		ProtectLatest: w.cfg.ProtectLatest,
	})
	if err != nil {
		w.log.Error("watchdog gc failed", zap.Error(err))
		return
	}
	w.log.Info("watchdog triggered gc",
		zap.String("reason", reason),
		zap.Int("chunks_evicted", res.ChunksEvicted),
		zap.Int64("bytes_freed", res.BytesFreed))
}

func (w *Watchdog) overBudget() (bool, string) {
	if limit := w.cfg.MemoryLimitBytes; limit > 0 {
		if held := w.store.Stats().TotalBytes; held > limit {
			return true, "store_bytes_over_limit"
		}
	}

	if frac := w.cfg.ProcessMemoryFraction; frac > 0 && w.proc != nil {
		memInfo, err := w.proc.MemoryInfo()
		if err != nil {
			return false, ""
		}
		vmStat, err := mem.VirtualMemory()
		if err != nil || vmStat.Total == 0 {
			return false, ""
		}
		if float64(memInfo.RSS)/float64(vmStat.Total) > frac {
			return true, "process_rss_over_fraction"
		}
	}
	return false, ""
}
