package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/runsync/internal/dispatch"
	"github.com/seantiz/runsync/internal/store"
)

// handle advances the message's record by one tick. The record is reloaded
// so a message that lost a race with a poller tick works from current state.
func (e *Engine) handle(ctx context.Context, msg dispatch.Message) error {
	rec, err := e.store.Load(ctx, msg.RecordID())
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("message for unknown record", "record_id", msg.RecordID(), "message_id", msg.ID())
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload %s: %w", msg.RecordID(), err)
	}
	if rec.State.IsTerminal() {
		return nil
	}

	wf, ok := e.workflows[rec.Kind]
	if !ok {
		return fmt.Errorf("no workflow for kind %s", rec.Kind)
	}
	out := wf.Run(ctx, rec)
	if out.Emit {
		e.publish(out.Record, out.Trigger)
	}
	return nil
}

// forward feeds every message into the per-record stream and closes the
// stream once the record is terminal.
func (e *Engine) forward(_ context.Context, msg dispatch.Message) error {
	e.feed.Publish(msg)
	if msg.Record().State.IsTerminal() {
		e.feed.Close(msg.RecordID())
	}
	return nil
}
