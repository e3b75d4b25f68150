// Package timeline maintains the linearized event order of a single room.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/roomversion"
)

const DefaultRecursionLimit = 50

var (
	ErrNoSingleParent = errors.New("event must have a single event ID in prev_events or an unsigned.insert_after string")
	ErrSelfReference  = errors.New("event calls to be inserted after itself")
	ErrNoFetcher      = errors.New("parent event is unknown and no fetcher is configured")
)

var (
	acceptedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lmhub_timeline_accepted_events_total",
		Help: "Number of events committed to room timelines",
	})
	failedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lmhub_timeline_failed_batches_total",
		Help: "Number of timeline insert batches that were discarded, by error kind",
	}, []string{"kind"})
	reorderedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lmhub_timeline_reordered_events_total",
		Help: "Number of already known events that were moved to a new position",
	})
	parentFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lmhub_timeline_parent_fetches_total",
		Help: "Number of missing parent events fetched over federation, by outcome",
	}, []string{"outcome"})
)

// RecursionLimitError is returned when resolving missing parents goes deeper than allowed.
type RecursionLimitError struct {
	EventID id.EventID
	Limit   int
}

func (rle *RecursionLimitError) Error() string {
	return fmt.Sprintf("hit recursion limit %d when trying to insert %s", rle.Limit, rle.EventID)
}

// EventFetcher fetches a single event from a remote server.
type EventFetcher interface {
	GetEvent(ctx context.Context, serverName string, eventID id.EventID, rv roomversion.RoomVersion) (*pdu.Event, error)
}

// Timeline is an ordered list of events where each event points at the one it follows. All writes go
// through Insert, which serializes concurrent callers and commits whole batches atomically.
type Timeline struct {
	version roomversion.RoomVersion
	fetcher EventFetcher
	// Validator, if set, is used to check the validity of parent events fetched from remote servers.
	Validator      roomversion.SignatureValidator
	RecursionLimit int

	insertLock *semaphore.Weighted
	stateLock  sync.RWMutex
	events     []*pdu.Event
	seen       *exsync.Set[id.EventID]

	subscribers *exsync.Map[int64, func(*pdu.Event)]
	nextSubID   atomic.Int64
}

func New(version roomversion.RoomVersion, fetcher EventFetcher) *Timeline {
	return &Timeline{
		version:        version,
		fetcher:        fetcher,
		RecursionLimit: DefaultRecursionLimit,
		insertLock:     semaphore.NewWeighted(1),
		seen:           exsync.NewSet[id.EventID](),
		subscribers:    exsync.NewMap[int64, func(*pdu.Event)](),
	}
}

func (tl *Timeline) Version() roomversion.RoomVersion {
	return tl.version
}

// Events returns a copy of the committed event list.
func (tl *Timeline) Events() []*pdu.Event {
	tl.stateLock.RLock()
	defer tl.stateLock.RUnlock()
	return slices.Clone(tl.events)
}

func (tl *Timeline) Len() int {
	tl.stateLock.RLock()
	defer tl.stateLock.RUnlock()
	return len(tl.events)
}

// LastEvent returns the tip of the timeline, or nil if it's empty.
func (tl *Timeline) LastEvent() *pdu.Event {
	tl.stateLock.RLock()
	defer tl.stateLock.RUnlock()
	if len(tl.events) == 0 {
		return nil
	}
	return tl.events[len(tl.events)-1]
}

func (tl *Timeline) Has(eventID id.EventID) bool {
	return tl.seen.Has(eventID)
}

func (tl *Timeline) Get(eventID id.EventID) *pdu.Event {
	if !tl.seen.Has(eventID) {
		return nil
	}
	tl.stateLock.RLock()
	defer tl.stateLock.RUnlock()
	for _, evt := range tl.events {
		if evt.EventID == eventID {
			return evt
		}
	}
	return nil
}

// Subscribe registers a callback for accepted events. Callbacks run after each batch commits, in commit
// order, while the timeline is still locked for writing, so they must not insert into the same timeline.
func (tl *Timeline) Subscribe(fn func(*pdu.Event)) (unsubscribe func()) {
	subID := tl.nextSubID.Add(1)
	tl.subscribers.Set(subID, fn)
	return func() {
		tl.subscribers.Delete(subID)
	}
}

type transaction struct {
	events  []*pdu.Event
	seen    map[id.EventID]struct{}
	pending []*pdu.Event
}

// Insert adds a batch of events to the timeline. Either every event is accepted or none are.
func (tl *Timeline) Insert(ctx context.Context, events ...*pdu.Event) error {
	if err := tl.insertLock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire timeline lock: %w", err)
	}
	defer tl.insertLock.Release(1)

	tx := tl.beginTransaction()
	for _, evt := range events {
		if err := tl.doInsert(ctx, tx, evt, 0); err != nil {
			failedBatches.WithLabelValues(errorKind(err)).Inc()
			return err
		}
	}
	tl.commitTransaction(tx)
	acceptedEvents.Add(float64(len(tx.pending)))
	for _, evt := range tx.pending {
		for _, fn := range tl.subscribers.CopyData() {
			fn(evt)
		}
	}
	return nil
}

func (tl *Timeline) beginTransaction() *transaction {
	tl.stateLock.RLock()
	defer tl.stateLock.RUnlock()
	tx := &transaction{
		events: slices.Clone(tl.events),
		seen:   make(map[id.EventID]struct{}, len(tl.events)),
	}
	for _, evt := range tl.events {
		tx.seen[evt.EventID] = struct{}{}
	}
	return tx
}

func (tl *Timeline) commitTransaction(tx *transaction) {
	seenList := make([]id.EventID, 0, len(tx.seen))
	for eventID := range tx.seen {
		seenList = append(seenList, eventID)
	}
	tl.stateLock.Lock()
	tl.events = tx.events
	tl.seen.ReplaceAll(exsync.NewSetWithItems(seenList))
	tl.stateLock.Unlock()
}

func (tl *Timeline) accept(tx *transaction, index int, evt *pdu.Event) {
	tx.events = slices.Insert(tx.events, index, evt)
	tx.seen[evt.EventID] = struct{}{}
	tx.pending = append(tx.pending, evt)
}

func (tl *Timeline) doInsert(ctx context.Context, tx *transaction, evt *pdu.Event, depth int) error {
	log := zerolog.Ctx(ctx).With().
		Stringer("event_id", evt.EventID).
		Str("event_type", evt.Type).
		Int("depth", depth).
		Logger()
	log.Trace().Msg("Attempting to insert event")
	if len(tx.events) == 0 {
		if err := tl.version.CheckAuth(evt, nil); err != nil {
			return err
		}
		tl.accept(tx, 0, evt)
		return nil
	}

	limit := tl.RecursionLimit
	if limit <= 0 {
		limit = DefaultRecursionLimit
	}
	if depth > limit {
		return &RecursionLimitError{EventID: evt.EventID, Limit: limit}
	}

	if _, alreadySeen := tx.seen[evt.EventID]; alreadySeen {
		log.Warn().Msg("Event has reordered rather than inserted, finding new position")
		reorderedEvents.Inc()
		tx.events = slices.DeleteFunc(tx.events, func(e *pdu.Event) bool {
			return e.EventID == evt.EventID
		})
		delete(tx.seen, evt.EventID)
	}

	anchor, ok := evt.InsertAfter()
	if !ok {
		if len(evt.PrevEvents) != 1 {
			return fmt.Errorf("unable to locate parent for %s: %w", evt.EventID, ErrNoSingleParent)
		}
		anchor = evt.PrevEvents[0]
	}
	if anchor == evt.EventID {
		return fmt.Errorf("%s: %w", evt.EventID, ErrSelfReference)
	}

	for i, existing := range tx.events {
		if existing.EventID == anchor {
			if err := tl.version.CheckAuth(evt, tx.events[:i+1]); err != nil {
				return err
			}
			tl.accept(tx, i+1, evt)
			return nil
		}
	}

	log.Debug().Stringer("insert_after", anchor).Msg("No position found for event, trying to fetch parent event")
	if tl.fetcher == nil {
		return fmt.Errorf("failed to find parent %s of %s: %w", anchor, evt.EventID, ErrNoFetcher)
	}
	parent, err := tl.fetchParent(ctx, pdu.ServerName(evt.Sender), anchor)
	if err != nil {
		return fmt.Errorf("error while handling %s: %w", evt.EventID, err)
	} else if err = tl.doInsert(ctx, tx, parent, depth+1); err != nil {
		return fmt.Errorf("error while handling %s: %w", evt.EventID, err)
	}
	return tl.doInsert(ctx, tx, evt, depth+1)
}

func (tl *Timeline) fetchParent(ctx context.Context, serverName string, eventID id.EventID) (*pdu.Event, error) {
	parent, err := tl.fetcher.GetEvent(ctx, serverName, eventID, tl.version)
	if err != nil {
		parentFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to fetch parent %s from %s: %w", eventID, serverName, err)
	} else if parent.EventID != eventID {
		parentFetches.WithLabelValues("mismatch").Inc()
		return nil, fmt.Errorf("fetched parent has ID %s instead of %s", parent.EventID, eventID)
	}
	if tl.Validator != nil {
		if err = tl.version.CheckValidity(ctx, parent, tl.Validator); err != nil {
			parentFetches.WithLabelValues("invalid").Inc()
			return nil, err
		}
	}
	parentFetches.WithLabelValues("success").Inc()
	return parent, nil
}

func errorKind(err error) string {
	var authErr *roomversion.AuthorizationError
	var validationErr *roomversion.ValidationError
	var stateErr *roomversion.StateInvariantError
	var recursionErr *RecursionLimitError
	switch {
	case errors.As(err, &authErr):
		return "authorization"
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &stateErr):
		return "state_invariant"
	case errors.As(err, &recursionErr):
		return "recursion_limit"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
