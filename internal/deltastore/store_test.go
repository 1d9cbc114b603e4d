package deltastore

import (
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"optionbridge/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "delta.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func TestUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)

	rec := Record{
		AccountID:     "acct1",
		InstrumentID:  "SPY260918C00450000",
		CorrelationID: strPtr("corr-1"),
		Action:        types.ActionTarget,
		TargetDelta:   f64Ptr(0.30),
	}

	first, err := s.Upsert(rec)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.Upsert(rec)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("identical content created a new row: ids %d and %d", first.ID, second.ID)
	}

	recs, err := s.ByAccount(Query{AccountID: "acct1"})
	if err != nil {
		t.Fatalf("by account: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}

func TestUpsertNewContentAppends(t *testing.T) {
	s := openTestStore(t)

	base := Record{
		AccountID:     "acct1",
		InstrumentID:  "SPY260918C00450000",
		CorrelationID: strPtr("corr-1"),
		Action:        types.ActionObserve,
		ObservedDelta: f64Ptr(30.0),
	}
	if _, err := s.Upsert(base); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	changed := base
	changed.ObservedDelta = f64Ptr(31.5)
	if _, err := s.Upsert(changed); err != nil {
		t.Fatalf("upsert changed: %v", err)
	}

	recs, err := s.ByAccount(Query{AccountID: "acct1"})
	if err != nil {
		t.Fatalf("by account: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Newest first.
	if got := *recs[0].ObservedDelta; got != 31.5 {
		t.Errorf("latest observed delta = %v, want 31.5", got)
	}
}

func TestUpsertRejectsEmptyRecord(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Upsert(Record{AccountID: "acct1", InstrumentID: "X", Action: types.ActionOpen})
	if err == nil {
		t.Fatal("expected error for record with no delta values")
	}
}

func TestByAccountFilters(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rows := []Record{
		{AccountID: "acct1", InstrumentID: "A", Action: types.ActionOpen, TargetDelta: f64Ptr(0.3), CreatedAt: now.Add(-2 * time.Hour)},
		{AccountID: "acct1", InstrumentID: "A", Action: types.ActionObserve, ObservedDelta: f64Ptr(29.0), CreatedAt: now.Add(-1 * time.Hour)},
		{AccountID: "acct1", InstrumentID: "A", Action: types.ActionClose, MovePositionDelta: f64Ptr(-29.0), CreatedAt: now},
		{AccountID: "acct2", InstrumentID: "B", Action: types.ActionOpen, TargetDelta: f64Ptr(0.3), CreatedAt: now},
	}
	for _, r := range rows {
		if _, err := s.Upsert(r); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}

	got, err := s.ByAccount(Query{
		AccountID: "acct1",
		Actions:   []types.DeltaAction{types.ActionObserve, types.ActionClose},
	})
	if err != nil {
		t.Fatalf("by account: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Action != types.ActionClose || got[1].Action != types.ActionObserve {
		t.Errorf("wrong order: %s then %s", got[0].Action, got[1].Action)
	}

	ranged, err := s.ByAccount(Query{
		AccountID: "acct1",
		From:      now.Add(-90 * time.Minute),
	})
	if err != nil {
		t.Fatalf("ranged query: %v", err)
	}
	if len(ranged) != 2 {
		t.Fatalf("ranged got %d records, want 2", len(ranged))
	}

	limited, err := s.ByAccount(Query{AccountID: "acct1", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("limited query: %v", err)
	}
	if len(limited) != 1 || limited[0].Action != types.ActionObserve {
		t.Errorf("limit/offset returned wrong row: %+v", limited)
	}
}

func TestLatestByInstrument(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestByInstrument("acct1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i, delta := range []float64{28.0, 30.0} {
		rec := Record{
			AccountID:     "acct1",
			InstrumentID:  "A",
			Action:        types.ActionObserve,
			ObservedDelta: f64Ptr(delta),
			CreatedAt:     now.Add(time.Duration(i) * time.Minute),
		}
		if _, err := s.Upsert(rec); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	latest, err := s.LatestByInstrument("acct1", "A")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if *latest.ObservedDelta != 30.0 {
		t.Errorf("latest observed = %v, want 30.0", *latest.ObservedDelta)
	}

	observed, err := s.LatestObserved("acct1", "A")
	if err != nil {
		t.Fatalf("latest observed: %v", err)
	}
	if observed != 30.0 {
		t.Errorf("LatestObserved = %v, want 30.0", observed)
	}
}

func TestSummarize(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rows := []Record{
		{AccountID: "acct1", InstrumentID: "A", Action: types.ActionOpen, TargetDelta: f64Ptr(0.3), CreatedAt: now.Add(-time.Hour)},
		{AccountID: "acct1", InstrumentID: "A", Action: types.ActionObserve, ObservedDelta: f64Ptr(29.0), CreatedAt: now.Add(-30 * time.Minute)},
		{AccountID: "acct1", InstrumentID: "B", Action: types.ActionObserve, ObservedDelta: f64Ptr(-12.5), CreatedAt: now},
	}
	for _, r := range rows {
		if _, err := s.Upsert(r); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}

	sum, err := s.Summarize("acct1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.CountByAction[types.ActionOpen] != 1 || sum.CountByAction[types.ActionObserve] != 2 {
		t.Errorf("count_by_action = %v", sum.CountByAction)
	}
	if sum.NetObservedDelta != 16.5 {
		t.Errorf("net observed delta = %v, want 16.5", sum.NetObservedDelta)
	}
	if sum.LastUpdated == nil || !sum.LastUpdated.Equal(now) {
		t.Errorf("last updated = %v, want %v", sum.LastUpdated, now)
	}

	empty, err := s.Summarize("nobody", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("summarize empty: %v", err)
	}
	if len(empty.CountByAction) != 0 || empty.LastUpdated != nil {
		t.Errorf("empty account summary not empty: %+v", empty)
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)

	old := Record{
		AccountID:     "acct1",
		InstrumentID:  "A",
		Action:        types.ActionObserve,
		ObservedDelta: f64Ptr(1.0),
		CreatedAt:     time.Now().UTC().AddDate(0, 0, -40),
	}
	fresh := old
	fresh.ObservedDelta = f64Ptr(2.0)
	fresh.CreatedAt = time.Now().UTC()

	for _, r := range []Record{old, fresh} {
		if _, err := s.Upsert(r); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}

	removed, err := s.Prune(30)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("pruned %d rows, want 1", removed)
	}

	recs, err := s.ByAccount(Query{AccountID: "acct1"})
	if err != nil {
		t.Fatalf("by account: %v", err)
	}
	if len(recs) != 1 || *recs[0].ObservedDelta != 2.0 {
		t.Errorf("surviving rows wrong: %+v", recs)
	}
}
