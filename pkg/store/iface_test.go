package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/clockwork/pkg/controller"
	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

// TestStoreImplementsInterface verifies at runtime that *Store satisfies
// StoreInterface by calling every method on a real store.
func TestStoreImplementsInterface(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var iface StoreInterface = s
	defer iface.Close()
	ctx := context.Background()

	// Frontiers
	if err := iface.RecordFrontiers(ctx, []controller.FrontierRecord{
		{ID: model.User(1), ReadFrontier: frontier.FromElem(1), WriteFrontier: frontier.FromElem(2)},
	}); err != nil {
		t.Fatalf("RecordFrontiers: %v", err)
	}
	recs, err := iface.ListFrontiers(ctx)
	if err != nil {
		t.Fatalf("ListFrontiers: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 frontier record, got %d", len(recs))
	}

	// Status history
	if err := iface.RecordStatusUpdates(ctx, []storage.StatusUpdate{
		storage.NewStatusUpdate(model.User(1), time.Now(), storage.StatusRunning),
	}); err != nil {
		t.Fatalf("RecordStatusUpdates: %v", err)
	}
	hist, err := iface.ListStatusHistory(ctx, nil, 10)
	if err != nil {
		t.Fatalf("ListStatusHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Errorf("expected 1 status update, got %d", len(hist))
	}
	latest, err := iface.LatestStatuses(ctx)
	if err != nil {
		t.Fatalf("LatestStatuses: %v", err)
	}
	if len(latest) != 1 || latest[0].Status != storage.StatusRunning {
		t.Errorf("unexpected latest statuses: %+v", latest)
	}
	if n := iface.CountStatusUpdates(ctx); n != 1 {
		t.Errorf("expected CountStatusUpdates=1, got %d", n)
	}
}
