package flush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabstore/internal/logging"
	"tabstore/internal/scansched"
	"tabstore/internal/tabletnode/store"
)

// TrimmerTablet is an ordered tablet registered for trimming, with a
// RetentionFunc deciding how far the prefix may be dropped.
type TrimmerTablet struct {
	ID      uuid.UUID
	Store   *store.OrderedDynamicStore
	Retain  RetentionFunc
}

// RetentionFunc returns the row index below which rows may be trimmed
// (e.g. derived from a configured retention duration and the rows'
// timestamps); it is injected since deciding "safe to drop" usually also
// needs to know the tablet's minimum unread-by-any-consumer offset, which
// lives outside this package.
type RetentionFunc func(s *store.OrderedDynamicStore) int64

// Trimmer periodically drops the prefix of an ordered tablet beyond a
// configured retention (spec §4.8: "trimmer drops prefix of an ordered
// tablet beyond a configured retention").
type Trimmer struct {
	logger *slog.Logger

	mu      sync.Mutex
	tablets map[uuid.UUID]*TrimmerTablet
}

// NewTrimmer creates a trimmer.
func NewTrimmer(logger *slog.Logger) *Trimmer {
	return &Trimmer{
		logger:  logging.Default(logger).With("component", "flush.trimmer"),
		tablets: make(map[uuid.UUID]*TrimmerTablet),
	}
}

// RegisterTablet adds an ordered tablet to the trimmer's scan set.
func (tr *Trimmer) RegisterTablet(t *TrimmerTablet) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.tablets[t.ID] = t
}

// RegisterScan wires the trimmer's scan as a periodic scansched scan.
func (tr *Trimmer) RegisterScan(sched *scansched.Scheduler, cronExpr string) error {
	return sched.AddScan("trim", cronExpr, tr.Scan)
}

// Scan trims every registered tablet's prefix per its retention function.
func (tr *Trimmer) Scan(ctx context.Context, progress *scansched.Progress) {
	tr.mu.Lock()
	tablets := make([]*TrimmerTablet, 0, len(tr.tablets))
	for _, t := range tr.tablets {
		tablets = append(tablets, t)
	}
	tr.mu.Unlock()

	progress.SetRunning(int64(len(tablets)))
	for _, t := range tablets {
		upTo := t.Retain(t.Store)
		if upTo > t.Store.StartRowIndex() {
			t.Store.TrimPrefix(upTo)
			tr.logger.Info("trimmed ordered tablet prefix", "tablet", t.ID, "up_to", upTo)
		}
		progress.IncrDone(1)
	}
	progress.Complete(time.Now())
}
