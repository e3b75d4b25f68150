package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/roomversion"
)

const (
	alice = id.UserID("@alice:a.org")
	carol = id.UserID("@carol:a.org")
)

func mkEvent(eventID id.EventID, evtType string, stateKey *string, sender id.UserID, content string, prev ...id.EventID) *pdu.Event {
	if prev == nil {
		prev = []id.EventID{}
	}
	return &pdu.Event{
		Kind:       pdu.KindPDU,
		EventID:    eventID,
		RoomID:     "!room:a.org",
		Type:       evtType,
		StateKey:   stateKey,
		Sender:     sender,
		Content:    json.RawMessage(content),
		AuthEvents: []id.EventID{},
		PrevEvents: prev,
	}
}

func createEvt() *pdu.Event {
	return mkEvent("$create", event.StateCreate.Type, pdu.StateKeyPtr(""), alice, `{"room_version":"`+roomversion.Default+`"}`)
}

func joinEvt() *pdu.Event {
	return mkEvent("$join", event.StateMember.Type, pdu.StateKeyPtr(alice.String()), alice, `{"membership":"join"}`, "$create")
}

func msgEvt(eventID id.EventID, sender id.UserID, prev id.EventID) *pdu.Event {
	return mkEvent(eventID, event.EventMessage.Type, nil, sender, `{"body":"hi"}`, prev)
}

func eventIDs(events []*pdu.Event) []id.EventID {
	out := make([]id.EventID, len(events))
	for i, evt := range events {
		out[i] = evt.EventID
	}
	return out
}

type fetcherFunc func(ctx context.Context, serverName string, eventID id.EventID) (*pdu.Event, error)

func (ff fetcherFunc) GetEvent(ctx context.Context, serverName string, eventID id.EventID, _ roomversion.RoomVersion) (*pdu.Event, error) {
	return ff(ctx, serverName, eventID)
}

func newTimeline(t *testing.T, fetcher EventFetcher) *Timeline {
	t.Helper()
	rv, err := roomversion.Get(roomversion.Default)
	require.NoError(t, err)
	return New(rv, fetcher)
}

func TestInsertChain(t *testing.T) {
	tl := newTimeline(t, nil)
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))
	require.NoError(t, tl.Insert(ctx, msgEvt("$m1", alice, "$join")))
	require.NoError(t, tl.Insert(ctx, msgEvt("$m2", alice, "$m1")))
	assert.Equal(t, []id.EventID{"$create", "$join", "$m1", "$m2"}, eventIDs(tl.Events()))
	assert.Equal(t, id.EventID("$m2"), tl.LastEvent().EventID)
	assert.True(t, tl.Has("$m1"))
	assert.Equal(t, "$m1", tl.Get("$m1").EventID.String())
	assert.Nil(t, tl.Get("$unknown"))
}

func TestFirstEventMustBeCreate(t *testing.T) {
	tl := newTimeline(t, nil)
	err := tl.Insert(context.Background(), msgEvt("$m1", alice, "$join"))
	var sie *roomversion.StateInvariantError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, 0, tl.Len())
	assert.Nil(t, tl.LastEvent())
}

func TestBatchIsAtomic(t *testing.T) {
	tl := newTimeline(t, nil)
	ctx := context.Background()
	var notified []id.EventID
	tl.Subscribe(func(evt *pdu.Event) {
		notified = append(notified, evt.EventID)
	})
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))
	assert.Equal(t, []id.EventID{"$create", "$join"}, notified)

	err := tl.Insert(ctx, msgEvt("$ok", alice, "$join"), msgEvt("$bad", carol, "$ok"))
	var authErr *roomversion.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, roomversion.RuleSenderMembership, authErr.Rule)
	assert.Equal(t, []id.EventID{"$create", "$join"}, eventIDs(tl.Events()))
	assert.False(t, tl.Has("$ok"))
	assert.Equal(t, []id.EventID{"$create", "$join"}, notified, "aborted batches must not notify")

	require.NoError(t, tl.Insert(ctx, msgEvt("$ok", alice, "$join")))
	assert.Equal(t, []id.EventID{"$create", "$join", "$ok"}, notified)
}

func TestUnsubscribe(t *testing.T) {
	tl := newTimeline(t, nil)
	ctx := context.Background()
	count := 0
	unsubscribe := tl.Subscribe(func(evt *pdu.Event) {
		count++
	})
	require.NoError(t, tl.Insert(ctx, createEvt()))
	unsubscribe()
	require.NoError(t, tl.Insert(ctx, joinEvt()))
	assert.Equal(t, 1, count)
}

func TestParentRequirements(t *testing.T) {
	tl := newTimeline(t, nil)
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))

	noParent := msgEvt("$m1", alice, "$join")
	noParent.PrevEvents = nil
	assert.ErrorIs(t, tl.Insert(ctx, noParent), ErrNoSingleParent)

	twoParents := msgEvt("$m1", alice, "$join")
	twoParents.PrevEvents = []id.EventID{"$create", "$join"}
	assert.ErrorIs(t, tl.Insert(ctx, twoParents), ErrNoSingleParent)

	self := msgEvt("$m1", alice, "$m1")
	assert.ErrorIs(t, tl.Insert(ctx, self), ErrSelfReference)

	unknown := msgEvt("$m1", alice, "$missing")
	assert.ErrorIs(t, tl.Insert(ctx, unknown), ErrNoFetcher)
	assert.Equal(t, 2, tl.Len())
}

func TestInsertAfterHint(t *testing.T) {
	tl := newTimeline(t, nil)
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt(), msgEvt("$m1", alice, "$join")))

	hinted := msgEvt("$m2", alice, "$m1")
	hinted.Unsigned = json.RawMessage(`{"insert_after":"$join"}`)
	require.NoError(t, tl.Insert(ctx, hinted))
	assert.Equal(t, []id.EventID{"$create", "$join", "$m2", "$m1"}, eventIDs(tl.Events()))
}

func TestReorder(t *testing.T) {
	tl := newTimeline(t, nil)
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt(), msgEvt("$m1", alice, "$join"), msgEvt("$m2", alice, "$m1")))

	moved := msgEvt("$m1", alice, "$join")
	moved.Unsigned = json.RawMessage(`{"insert_after":"$m2"}`)
	require.NoError(t, tl.Insert(ctx, moved))
	assert.Equal(t, []id.EventID{"$create", "$join", "$m2", "$m1"}, eventIDs(tl.Events()))
}

func TestFetchesMissingParent(t *testing.T) {
	var fetched []id.EventID
	fetcher := fetcherFunc(func(_ context.Context, serverName string, eventID id.EventID) (*pdu.Event, error) {
		assert.Equal(t, "a.org", serverName)
		fetched = append(fetched, eventID)
		switch eventID {
		case "$m1":
			return msgEvt("$m1", alice, "$join"), nil
		case "$m2":
			return msgEvt("$m2", alice, "$m1"), nil
		default:
			return nil, fmt.Errorf("unknown event %s", eventID)
		}
	})
	tl := newTimeline(t, fetcher)
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))

	var notified []id.EventID
	tl.Subscribe(func(evt *pdu.Event) {
		notified = append(notified, evt.EventID)
	})
	require.NoError(t, tl.Insert(ctx, msgEvt("$m3", alice, "$m2")))
	assert.Equal(t, []id.EventID{"$m2", "$m1"}, fetched)
	assert.Equal(t, []id.EventID{"$create", "$join", "$m1", "$m2", "$m3"}, eventIDs(tl.Events()))
	assert.Equal(t, []id.EventID{"$m1", "$m2", "$m3"}, notified)
}

func TestFetchFailureAbortsBatch(t *testing.T) {
	fetchErr := errors.New("network down")
	tl := newTimeline(t, fetcherFunc(func(context.Context, string, id.EventID) (*pdu.Event, error) {
		return nil, fetchErr
	}))
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))
	err := tl.Insert(ctx, msgEvt("$m1", alice, "$join"), msgEvt("$m3", alice, "$m2"))
	assert.ErrorIs(t, err, fetchErr)
	assert.Equal(t, 2, tl.Len())
}

func TestFetchedParentMustMatch(t *testing.T) {
	tl := newTimeline(t, fetcherFunc(func(context.Context, string, id.EventID) (*pdu.Event, error) {
		return msgEvt("$other", alice, "$join"), nil
	}))
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))
	assert.Error(t, tl.Insert(ctx, msgEvt("$m3", alice, "$m2")))
	assert.False(t, tl.Has("$other"))
}

func TestRecursionLimit(t *testing.T) {
	calls := 0
	tl := newTimeline(t, fetcherFunc(func(_ context.Context, _ string, eventID id.EventID) (*pdu.Event, error) {
		calls++
		// Every parent points at yet another unknown event.
		return msgEvt(eventID, alice, id.EventID(fmt.Sprintf("%s-parent", eventID))), nil
	}))
	tl.RecursionLimit = 5
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))
	err := tl.Insert(ctx, msgEvt("$m", alice, "$p"))
	var rle *RecursionLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 5, rle.Limit)
	assert.Equal(t, 6, calls)
	assert.Equal(t, 2, tl.Len())
}

func TestConcurrentInserts(t *testing.T) {
	tl := newTimeline(t, nil)
	ctx := context.Background()
	require.NoError(t, tl.Insert(ctx, createEvt(), joinEvt()))

	var notifiedLock sync.Mutex
	notified := make(map[id.EventID]int)
	tl.Subscribe(func(evt *pdu.Event) {
		notifiedLock.Lock()
		notified[evt.EventID]++
		notifiedLock.Unlock()
	})

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tip := tl.LastEvent().EventID
			errs <- tl.Insert(ctx, msgEvt(id.EventID(fmt.Sprintf("$c%d", i)), alice, tip))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events := tl.Events()
	require.Len(t, events, workers+2)
	seen := make(map[id.EventID]bool)
	for _, evt := range events {
		assert.False(t, seen[evt.EventID], "duplicate event %s", evt.EventID)
		seen[evt.EventID] = true
	}
	assert.Len(t, notified, workers)
	for eventID, count := range notified {
		assert.Equal(t, 1, count, "event %s notified more than once", eventID)
	}
}

func TestInsertRespectsContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	tl := newTimeline(t, fetcherFunc(func(ctx context.Context, _ string, eventID id.EventID) (*pdu.Event, error) {
		close(started)
		<-release
		return msgEvt(eventID, alice, "$join"), nil
	}))
	require.NoError(t, tl.Insert(context.Background(), createEvt(), joinEvt()))

	done := make(chan error, 1)
	go func() {
		done <- tl.Insert(context.Background(), msgEvt("$m2", alice, "$m1"))
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tl.Insert(ctx, msgEvt("$x", alice, "$join"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []id.EventID{"$create", "$join", "$m1", "$m2"}, eventIDs(tl.Events()))
}

func TestEventsReturnsCopy(t *testing.T) {
	tl := newTimeline(t, nil)
	require.NoError(t, tl.Insert(context.Background(), createEvt()))
	events := tl.Events()
	events[0] = nil
	assert.NotNil(t, tl.Events()[0])
}
