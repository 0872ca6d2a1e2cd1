// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. The CLI reads through
// StoreInterface; the controller only needs the narrower Recorder.
package store

import (
	"context"

	"github.com/daviddao/clockwork/pkg/controller"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

// StoreInterface defines the full set of store operations.
type StoreInterface interface {
	controller.Recorder

	// Close closes the database connection.
	Close() error

	// ListFrontiers returns the most recently recorded frontiers.
	ListFrontiers(ctx context.Context) ([]controller.FrontierRecord, error)

	// ListStatusHistory returns recorded status updates, optionally for one
	// collection.
	ListStatusHistory(ctx context.Context, id *model.GlobalID, limit int) ([]storage.StatusUpdate, error)

	// LatestStatuses returns the last status of every collection.
	LatestStatuses(ctx context.Context) ([]storage.StatusUpdate, error)

	// CountStatusUpdates returns the size of the status history.
	CountStatusUpdates(ctx context.Context) int64
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
