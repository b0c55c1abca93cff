package subagent

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestRunStore(t *testing.T) *RunStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewRunStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestRunStoreRecordAndRecent(t *testing.T) {
	store := newTestRunStore(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		rec := &RunRecord{
			ID:             fmt.Sprintf("run-%d", i),
			ConversationID: "conv-1",
			Name:           "researcher",
			Profile:        "researcher",
			Task:           "task",
			Result:         fmt.Sprintf("result %d", i),
			Model:          "test-model",
			Checkpoints:    i + 1,
			StartedAt:      now.Add(time.Duration(i) * time.Second),
			CompletedAt:    now.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
			DurationMs:     500,
		}
		if err := store.Record(rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	records, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != "run-2" {
		t.Errorf("newest first: got %q", records[0].ID)
	}
	if records[0].Checkpoints != 3 {
		t.Errorf("Checkpoints = %d, want 3", records[0].Checkpoints)
	}
}

func TestRunStoreNullableFields(t *testing.T) {
	store := newTestRunStore(t)

	rec := &RunRecord{
		ID:             "run-err",
		ConversationID: "conv-1",
		Name:           "coder",
		Profile:        "coder",
		Task:           "task",
		Error:          "model stream failed",
		StartedAt:      time.Now(),
		CompletedAt:    time.Now(),
		DurationMs:     10,
	}
	if err := store.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	records, err := store.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	got := records[0]
	if got.Error != "model stream failed" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.Result != "" || got.Model != "" {
		t.Errorf("empty fields round-trip: result=%q model=%q", got.Result, got.Model)
	}
}

func TestRunStoreRecentDefaultLimit(t *testing.T) {
	store := newTestRunStore(t)
	if _, err := store.Recent(0); err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
}
