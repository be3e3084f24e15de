// Package assembler accumulates watcher FileArrived events until a group
// is declared ready, then writes it into the queue store. The periodic
// sweep + bounded-retry write pattern follows the teacher's worker-pool
// ticker idiom (internal/jobs/worker), adapted from draining a job queue to
// draining an event channel and sweeping a timeout window.
package assembler

import (
	"context"
	"errors"
	"time"

	"github.com/dsa110/contimg-ingestd/internal/corelog"
	"github.com/dsa110/contimg-ingestd/internal/domain"
	"github.com/dsa110/contimg-ingestd/internal/eventhub"
	"github.com/dsa110/contimg-ingestd/internal/queuestore"
	"github.com/dsa110/contimg-ingestd/internal/watcher"
)

const sweepInterval = 30 * time.Second

// writeRetries bounds the backoff loop around a single queue-store write
// (§4.2: "retried with backoff up to 5 attempts; final failure escalates
// to failed").
const writeRetries = 5

type Assembler struct {
	log               *corelog.Logger
	store             queuestore.Store
	hub               *eventhub.Hub
	expectedSubbands  int
	minSubbands       int
	completenessTimeout time.Duration

	createdOnce map[string]bool
}

func New(log *corelog.Logger, store queuestore.Store, hub *eventhub.Hub, expectedSubbands, minSubbands int, completenessTimeout time.Duration) *Assembler {
	if log == nil {
		log = corelog.NewNop()
	}
	return &Assembler{
		log:                 log.With("component", "assembler"),
		store:               store,
		hub:                 hub,
		expectedSubbands:    expectedSubbands,
		minSubbands:         minSubbands,
		completenessTimeout: completenessTimeout,
		createdOnce:         make(map[string]bool),
	}
}

// Run drains events until the channel closes or ctx is canceled, and
// periodically sweeps collecting groups for timeout.
func (a *Assembler) Run(ctx context.Context, events <-chan watcher.FileArrived) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handleFileArrived(ctx, ev)
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Assembler) handleFileArrived(ctx context.Context, ev watcher.FileArrived) {
	var result queuestore.CreateResult
	if err := a.withRetry(ctx, "CreateOrTouch", func() error {
		var err error
		result, err = a.store.CreateOrTouch(ctx, ev.GroupID, a.expectedSubbands)
		return err
	}); err != nil {
		a.fail(ctx, ev.GroupID, "queue store unavailable: "+err.Error())
		return
	}
	if result == queuestore.Created && !a.createdOnce[ev.GroupID] {
		a.createdOnce[ev.GroupID] = true
		a.publish(ev.GroupID, eventhub.EventGroupStateChanged, map[string]any{"state": domain.GroupCollecting})
	}

	if err := a.withRetry(ctx, "AddSubband", func() error {
		return a.store.AddSubband(ctx, ev.GroupID, ev.SubbandIdx, ev.Path, ev.Size)
	}); err != nil {
		a.fail(ctx, ev.GroupID, "queue store unavailable: "+err.Error())
		return
	}

	count, err := a.store.CountSubbands(ctx, ev.GroupID)
	if err != nil {
		a.log.Warn("count subbands failed", "group_id", ev.GroupID, "error", err)
		return
	}
	if count >= a.expectedSubbands {
		a.promote(ctx, ev.GroupID)
	}
}

func (a *Assembler) promote(ctx context.Context, groupID string) {
	if _, err := a.store.SetState(ctx, groupID, domain.GroupPending, ""); err != nil {
		a.log.Warn("promote to pending failed", "group_id", groupID, "error", err)
		return
	}
	a.publish(groupID, eventhub.EventGroupStateChanged, map[string]any{"state": domain.GroupPending})
}

func (a *Assembler) fail(ctx context.Context, groupID, reason string) {
	if _, err := a.store.SetState(ctx, groupID, domain.GroupFailed, reason); err != nil {
		a.log.Error("failed to mark group failed", "group_id", groupID, "error", err)
		return
	}
	a.publish(groupID, eventhub.EventGroupStateChanged, map[string]any{"state": domain.GroupFailed, "reason": reason})
}

// sweep examines collecting groups older than completenessTimeout,
// promoting groups at or above minSubbands and failing the rest (§4.2).
func (a *Assembler) sweep(ctx context.Context) {
	groups, err := a.store.ListByState(ctx, domain.GroupCollecting, 0, 0)
	if err != nil {
		a.log.Warn("sweep list failed", "error", err)
		return
	}
	now := time.Now()
	for _, g := range groups {
		if now.Sub(g.ReceivedAt) < a.completenessTimeout {
			continue
		}
		count, err := a.store.CountSubbands(ctx, g.GroupID)
		if err != nil {
			a.log.Warn("sweep count failed", "group_id", g.GroupID, "error", err)
			continue
		}
		if count >= a.minSubbands {
			a.promote(ctx, g.GroupID)
		} else {
			a.fail(ctx, g.GroupID, "insufficient subbands")
		}
	}
}

// RecordPointing appends a telescope boresight sample, retried with the
// same bounded backoff as every other queue store write.
func (a *Assembler) RecordPointing(ctx context.Context, ts time.Time, raDeg, decDeg float64) error {
	return a.withRetry(ctx, "RecordPointing", func() error {
		return a.store.RecordPointing(ctx, ts, raDeg, decDeg)
	})
}

// ListPointings returns recorded boresight samples in [from, to], for the
// control plane's group-detail view.
func (a *Assembler) ListPointings(ctx context.Context, from, to time.Time) ([]domain.PointingSample, error) {
	return a.store.ListPointings(ctx, from, to)
}

func (a *Assembler) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			a.log.Warn("queue write retrying", "op", op, "attempt", attempt, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			continue
		}
		return nil
	}
	return errors.New(op + ": exhausted retries: " + lastErr.Error())
}

func (a *Assembler) publish(groupID string, t eventhub.EventType, data map[string]any) {
	if a.hub == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["group_id"] = groupID
	a.hub.Publish(eventhub.Event{Channel: "groups", Type: t, Data: data})
}
