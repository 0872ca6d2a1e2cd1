package controller

import (
	"context"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
)

// FrontierRecord is one row of the periodic frontier snapshot.
type FrontierRecord struct {
	ID model.GlobalID
	// Instance is nil for storage collections.
	Instance      *model.ComputeInstanceID
	ReadFrontier  frontier.Antichain
	WriteFrontier frontier.Antichain
}

// Recorder persists introspection data. Implementations must be safe to
// call from the controller goroutine while other goroutines read.
type Recorder interface {
	RecordFrontiers(ctx context.Context, records []FrontierRecord) error
	RecordStatusUpdates(ctx context.Context, updates []storage.StatusUpdate) error
}

type nopRecorder struct{}

func (nopRecorder) RecordFrontiers(context.Context, []FrontierRecord) error { return nil }

func (nopRecorder) RecordStatusUpdates(context.Context, []storage.StatusUpdate) error {
	return nil
}
