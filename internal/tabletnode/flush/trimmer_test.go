package flush

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"tabstore/internal/logging"
	"tabstore/internal/scansched"
	"tabstore/internal/tabletnode/store"
)

func TestTrimmerScanTrimsPastRetention(t *testing.T) {
	s := store.NewOrderedDynamicStore(uuid.New())
	for i := 0; i < 5; i++ {
		s.AppendRow(map[string]any{"v": i}, false, 0)
	}

	tr := NewTrimmer(logging.Discard())
	tr.RegisterTablet(&TrimmerTablet{
		ID:     uuid.New(),
		Store:  s,
		Retain: func(s *store.OrderedDynamicStore) int64 { return 3 },
	})

	progress := &scansched.Progress{}
	tr.Scan(context.Background(), progress)

	if s.StartRowIndex() != 3 {
		t.Fatalf("StartRowIndex = %d", s.StartRowIndex())
	}
}

func TestTrimmerScanNoopWhenRetentionBehindStart(t *testing.T) {
	s := store.NewOrderedDynamicStore(uuid.New())
	for i := 0; i < 3; i++ {
		s.AppendRow(map[string]any{"v": i}, false, 0)
	}
	s.TrimPrefix(2)

	tr := NewTrimmer(logging.Discard())
	tr.RegisterTablet(&TrimmerTablet{
		ID:     uuid.New(),
		Store:  s,
		Retain: func(s *store.OrderedDynamicStore) int64 { return 1 },
	})

	progress := &scansched.Progress{}
	tr.Scan(context.Background(), progress)

	if s.StartRowIndex() != 2 {
		t.Fatalf("StartRowIndex = %d, expected unchanged", s.StartRowIndex())
	}
}
