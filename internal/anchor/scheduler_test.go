package anchor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/ledger"
)

func TestSweep_anchorsPreviousDay(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()

	if _, err := l.Append(ctx, "acme", ledger.FieldMap{"emissions": 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, "globex", ledger.FieldMap{"emissions": 50}); err != nil {
		t.Fatal(err)
	}

	s := New(l, Config{}, zap.NewNop())
	var anchored int
	s.SetMetricsRecord(func() { anchored++ })

	// Pretend today is tomorrow so the records fall into "yesterday".
	s.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 1) }
	s.sweep(ctx)

	if anchored != 2 {
		t.Fatalf("anchored %d partitions, want 2", anchored)
	}

	period := ledger.PeriodOf(time.Now().UTC())
	for _, partition := range []string{"acme", "globex"} {
		a, err := l.GetAnchor(ctx, partition, period)
		if err != nil {
			t.Fatalf("anchor missing for %s: %v", partition, err)
		}
		if a.RecordCount != 1 {
			t.Errorf("%s record_count = %d, want 1", partition, a.RecordCount)
		}
	}
}

func TestSweep_skipsEmptyPeriods(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()

	if _, err := l.Append(ctx, "acme", ledger.FieldMap{"emissions": 100}); err != nil {
		t.Fatal(err)
	}

	s := New(l, Config{}, zap.NewNop())
	var anchored int
	s.SetMetricsRecord(func() { anchored++ })

	// Yesterday has no records; the sweep must not create an anchor.
	s.sweep(ctx)

	if anchored != 0 {
		t.Fatalf("anchored %d partitions, want 0", anchored)
	}
}

func TestSweep_idempotentAcrossRuns(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()

	if _, err := l.Append(ctx, "acme", ledger.FieldMap{"emissions": 100}); err != nil {
		t.Fatal(err)
	}

	s := New(l, Config{}, zap.NewNop())
	var anchored int
	s.SetMetricsRecord(func() { anchored++ })
	s.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 1) }

	s.sweep(ctx)
	s.sweep(ctx)

	// The second sweep returns the stored anchor; both count as successes.
	if anchored != 2 {
		t.Fatalf("anchored %d times, want 2", anchored)
	}

	period := ledger.PeriodOf(time.Now().UTC())
	a, err := l.GetAnchor(ctx, "acme", period)
	if err != nil {
		t.Fatal(err)
	}
	if a.RecordCount != 1 {
		t.Errorf("record_count = %d, want 1", a.RecordCount)
	}
}
