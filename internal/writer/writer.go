// Package writer implements the single background writer loop (spec §4.7):
// it polls the bundled cache for flushable bundle files and invokes the
// archive engine to persist and propagate them. Errors are logged, counted,
// and the affected bundle is simply retried on the next tick -- the loop
// itself never aborts.
package writer

import (
	"os"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"github.com/kenshin-tsdb/kenshin/internal/cache"
	"github.com/kenshin-tsdb/kenshin/pkg/storage"
)

// errLogEvery bounds how often a single bundle's flush failures get logged:
// a bundle stuck on a persistent disk error would otherwise re-log on every
// tick (default every second) without this.
const errLogEvery = 30 * time.Second

// Writer drains writable bundle files on a fixed tick and persists them.
type Writer struct {
	mc      *cache.MetricCache
	sched   gocron.Scheduler
	metrics *Metrics
	now     func() int64

	errLogMu sync.Mutex
	errLog   map[cache.FileCacheRef]*rate.Limiter
}

// New builds a Writer that ticks every interval, polling mc for flushable
// bundles. A nil metrics registers no counters.
func New(mc *cache.MetricCache, metrics *Metrics, interval time.Duration) (*Writer, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	w := &Writer{
		mc:      mc,
		sched:   sched,
		metrics: metrics,
		now:     func() int64 { return time.Now().Unix() },
		errLog:  make(map[cache.FileCacheRef]*rate.Limiter),
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(w.tick),
	); err != nil {
		return nil, err
	}

	return w, nil
}

// Start begins the writer loop.
func (w *Writer) Start() {
	w.sched.Start()
}

// Stop drains in-flight work and halts the loop.
func (w *Writer) Stop() error {
	return w.sched.Shutdown()
}

func (w *Writer) tick() {
	now := w.now()
	refs := w.mc.WritableFileCaches(now)

	for _, ref := range refs {
		if err := w.flush(ref, now); err != nil {
			if w.metrics != nil {
				w.metrics.Errors.Inc()
			}
			if w.errLimiter(ref).Allow() {
				cclog.Errorf("kenshin: writer: flushing bundle %s/%d: %s", ref.SchemaName, ref.FileIdx, err)
			}
			continue
		}
		if w.metrics != nil {
			w.metrics.Flushes.Inc()
		}
	}
}

// errLimiter returns the rate limiter gating how often ref's flush errors
// are logged, creating one on first use.
func (w *Writer) errLimiter(ref cache.FileCacheRef) *rate.Limiter {
	w.errLogMu.Lock()
	defer w.errLogMu.Unlock()

	lim, ok := w.errLog[ref]
	if !ok {
		lim = rate.NewLimiter(rate.Every(errLogEvery), 1)
		w.errLog[ref] = lim
	}
	return lim
}

func (w *Writer) flush(ref cache.FileCacheRef, now int64) error {
	rows := w.mc.Pop(ref, now, true)
	if len(rows) == 0 {
		return nil
	}

	path := w.mc.BundlePath(ref)
	sched := w.mc.Schema(ref)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := storage.ReadHeader(f)
	if err != nil {
		return err
	}

	points := make([]storage.Point, len(rows))
	for i, r := range rows {
		points[i] = storage.Point{TS: r.TS, Values: r.Values}
	}

	return storage.Update(f, header, sched.Agg, points, now)
}
