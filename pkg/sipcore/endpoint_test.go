package sipcore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/f18m/go-sipendpoint/pkg/loopback"
	"github.com/f18m/go-sipendpoint/pkg/sipcore"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var udpOnly = sipcore.TransportConfig{UDP: &sipcore.TransportKindConfig{Port: 5060}}

// testEndpoint is a started Endpoint on top of a loopback engine, with every event
// recorded in delivery order.
type testEndpoint struct {
	t      *testing.T
	engine *loopback.Engine
	ep     *sipcore.Endpoint
	ids    sipcore.TransportIDs

	mu        sync.Mutex
	events    []sipcore.Event
	collected chan struct{}
}

func newTestEndpoint(t *testing.T, engineOpts []func(*loopback.Engine) error, opts ...func(*sipcore.Endpoint) error) *testEndpoint {
	return newTestEndpointWith(t, udpOnly, engineOpts, opts...)
}

func newTestEndpointWith(t *testing.T, cfg sipcore.TransportConfig, engineOpts []func(*loopback.Engine) error, opts ...func(*sipcore.Endpoint) error) *testEndpoint {
	t.Helper()
	engine, err := loopback.New(engineOpts...)
	require.NoError(t, err)

	opts = append([]func(*sipcore.Endpoint) error{
		sipcore.SetZapLogger(zaptest.NewLogger(t)),
		sipcore.SetEventBufferSize(1000),
	}, opts...)
	ep, err := sipcore.New(engine, opts...)
	require.NoError(t, err)

	te := &testEndpoint{t: t, engine: engine, ep: ep, collected: make(chan struct{})}
	go func() {
		defer close(te.collected)
		for ev := range ep.GetEventChan() {
			te.mu.Lock()
			te.events = append(te.events, ev)
			te.mu.Unlock()
		}
	}()

	te.ids, err = ep.Start(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		te.stop()
		engine.Close()
	})
	return te
}

// stop stops the endpoint and waits until every event has been recorded.
func (te *testEndpoint) stop() {
	te.ep.Stop()
	<-te.collected
}

func (te *testEndpoint) snapshot() []sipcore.Event {
	te.mu.Lock()
	defer te.mu.Unlock()
	return append([]sipcore.Event(nil), te.events...)
}

func (te *testEndpoint) find(match func(sipcore.Event) bool) (sipcore.Event, bool) {
	for _, ev := range te.snapshot() {
		if match(ev) {
			return ev, true
		}
	}
	return sipcore.Event{}, false
}

// waitEvent waits for the first recorded event matching match.
func (te *testEndpoint) waitEvent(match func(sipcore.Event) bool, msg string) sipcore.Event {
	te.t.Helper()
	var found sipcore.Event
	require.Eventually(te.t, func() bool {
		ev, ok := te.find(match)
		found = ev
		return ok
	}, waitFor, tick, msg)
	return found
}

func (te *testEndpoint) count(match func(sipcore.Event) bool) int {
	n := 0
	for _, ev := range te.snapshot() {
		if match(ev) {
			n++
		}
	}
	return n
}

func accountEvent(id sipcore.AccountID, state sipcore.AccountState) func(sipcore.Event) bool {
	return func(ev sipcore.Event) bool {
		return ev.Kind == sipcore.EventRegistrationChanged && ev.Account.ID == id && ev.Account.State == state
	}
}

func callEvent(kind sipcore.EventKind, id sipcore.CallID) func(sipcore.Event) bool {
	return func(ev sipcore.Event) bool {
		return ev.Kind == kind && ev.Call != nil && ev.Call.ID == id
	}
}

func callState(id sipcore.CallID, state sipcore.CallState) func(sipcore.Event) bool {
	return func(ev sipcore.Event) bool {
		return ev.Kind == sipcore.EventCallUpdated && ev.Call.ID == id && ev.Call.State == state
	}
}

// registeredAccount creates an account and waits for its registration.
func (te *testEndpoint) registeredAccount(uri string) sipcore.AccountInfo {
	te.t.Helper()
	acc, err := te.ep.CreateAccount(sipcore.AccountConfig{URI: uri})
	require.NoError(te.t, err)
	te.waitEvent(accountEvent(acc.ID, sipcore.AccountRegistered), "account not registered")
	acc, err = te.ep.FindAccount(acc.ID)
	require.NoError(te.t, err)
	return acc
}

// confirmedCall places a call and waits until it is confirmed.
func (te *testEndpoint) confirmedCall(acc sipcore.AccountID, dest string) sipcore.CallInfo {
	te.t.Helper()
	c, err := te.ep.MakeCall(acc, dest, sipcore.CallSettings{}, sipcore.MsgData{})
	require.NoError(te.t, err)
	te.waitEvent(callState(c.ID, sipcore.CallConfirmed), "call not confirmed")
	return c
}

func TestNewRejectsNilEngine(t *testing.T) {
	_, err := sipcore.New(nil)
	assert.ErrorIs(t, err, sipcore.ErrConfiguration)
}

func TestCommandsRequireStart(t *testing.T) {
	engine, err := loopback.New()
	require.NoError(t, err)
	defer engine.Close()
	ep, err := sipcore.New(engine)
	require.NoError(t, err)

	_, err = ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
	assert.ErrorIs(t, err, sipcore.ErrNotStarted)
	assert.ErrorIs(t, ep.UseSpeaker(), sipcore.ErrNotStarted)
	assert.ErrorIs(t, ep.HandleIPChange(), sipcore.ErrNotStarted)

	// Stop before Start is a no-op
	ep.Stop()
}

func TestStopTearsDown(t *testing.T) {
	te := newTestEndpoint(t, nil)
	acc := te.registeredAccount("sip:alice@example.com")
	first := te.confirmedCall(acc.ID, "sip:bob@example.com")
	second := te.confirmedCall(acc.ID, "sip:carol@example.com")

	te.stop()

	assert.Equal(t, 1, te.engine.Releases(acc.Handle))
	assert.Len(t, te.engine.Hangups(), 2)
	assert.Empty(t, te.engine.Transports())
	assert.Empty(t, te.ep.ListAccounts())
	assert.Empty(t, te.ep.ListCalls())
	for _, c := range []sipcore.CallInfo{first, second} {
		assert.Equal(t, 1, te.count(callEvent(sipcore.EventCallTerminated, c.ID)), "call %d", c.ID)
		assert.Equal(t, 1, te.engine.CallReleases(c.Handle), "call %d", c.ID)
	}

	_, err := te.ep.MakeCall(acc.ID, "sip:bob@example.com", sipcore.CallSettings{}, sipcore.MsgData{})
	assert.ErrorIs(t, err, sipcore.ErrNotStarted)

	// idempotent
	te.ep.Stop()
}

// Calls the engine does not end at shutdown are terminated before their account is released.
func TestStopTerminatesCallsLeftByEngine(t *testing.T) {
	te := newTestEndpoint(t, manual(), sipcore.AllowUnregisteredCalls(), sipcore.SetShutdownTimeout(50*time.Millisecond))
	acc, err := te.ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
	require.NoError(t, err)
	var calls []sipcore.CallInfo
	for _, dest := range []string{"sip:bob@example.com", "sip:carol@example.com"} {
		c, err := te.ep.MakeCall(acc.ID, dest, sipcore.CallSettings{}, sipcore.MsgData{})
		require.NoError(t, err)
		calls = append(calls, c)
	}

	te.stop()

	assert.Empty(t, te.ep.ListCalls())
	assert.Len(t, te.engine.Hangups(), 2)
	assert.Equal(t, 1, te.engine.Releases(acc.Handle))
	for _, c := range calls {
		term := te.waitEvent(callEvent(sipcore.EventCallTerminated, c.ID), "call not terminated")
		assert.Equal(t, sipcore.CallTerminated, term.Call.State)
		assert.Equal(t, "Endpoint stopped", term.Call.Reason)
		assert.Equal(t, 1, te.count(callEvent(sipcore.EventCallTerminated, c.ID)))
		assert.Equal(t, 1, te.engine.CallReleases(c.Handle))
	}

	// the call-terminated events precede the account deletion
	var lastTerminated, deleted int
	for i, ev := range te.snapshot() {
		switch {
		case ev.Kind == sipcore.EventCallTerminated:
			lastTerminated = i
		case accountEvent(acc.ID, sipcore.AccountDeleted)(ev):
			deleted = i
		}
	}
	assert.Less(t, lastTerminated, deleted)
}

func TestStopFromEventHandler(t *testing.T) {
	var ep *sipcore.Endpoint
	stopped := make(chan struct{})
	var once sync.Once
	engine, err := loopback.New()
	require.NoError(t, err)
	defer engine.Close()

	ep, err = sipcore.New(engine, sipcore.SetEventHandler(func(ev sipcore.Event) {
		if accountEvent(1, sipcore.AccountRegistered)(ev) {
			once.Do(func() {
				ep.Stop()
				close(stopped)
			})
		}
	}))
	require.NoError(t, err)
	_, err = ep.Start(context.Background(), udpOnly)
	require.NoError(t, err)

	acc, err := ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
	require.NoError(t, err)

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop called from the event handler did not return")
	}
	assert.Equal(t, 1, engine.Releases(acc.Handle))
	assert.Empty(t, engine.Transports())
	_, err = ep.CreateAccount(sipcore.AccountConfig{URI: "sip:bob@example.com"})
	assert.ErrorIs(t, err, sipcore.ErrNotStarted)

	select {
	case _, ok := <-ep.GetEventChan():
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("event channel not closed")
	}
	ep.Stop()
}

// A full outgoing call: registration, dialing, speaker, hang up.
func TestOutgoingCallLifecycle(t *testing.T) {
	te := newTestEndpoint(t, nil)

	acc, err := te.ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, sipcore.AccountID(1), acc.ID)
	assert.Equal(t, sipcore.AccountRegistering, acc.State)
	te.waitEvent(accountEvent(acc.ID, sipcore.AccountRegistered), "account not registered")

	c, err := te.ep.MakeCall(acc.ID, "sip:bob@example.com", sipcore.CallSettings{}, sipcore.MsgData{})
	require.NoError(t, err)
	assert.Equal(t, sipcore.CallInitiating, c.State)
	assert.Equal(t, sipcore.DirectionOutgoing, c.Direction)

	te.waitEvent(callState(c.ID, sipcore.CallRinging), "call not ringing")
	confirmed := te.waitEvent(callState(c.ID, sipcore.CallConfirmed), "call not confirmed")
	assert.False(t, confirmed.Call.ConnectedAt.IsZero())

	require.NoError(t, te.ep.UseSpeaker())
	route := te.waitEvent(func(ev sipcore.Event) bool { return ev.Kind == sipcore.EventAudioRouteChanged }, "no route event")
	assert.Equal(t, sipcore.RouteSpeaker, route.Route)

	require.NoError(t, te.ep.HangupCall(c.ID))
	term := te.waitEvent(callEvent(sipcore.EventCallTerminated, c.ID), "call not terminated")
	assert.Equal(t, sipcore.CallTerminated, term.Call.State)

	_, err = te.ep.FindCall(c.ID)
	assert.ErrorIs(t, err, sipcore.ErrNotFound)

	te.stop()
	assert.Equal(t, 1, te.count(callEvent(sipcore.EventCallTerminated, c.ID)))
	assert.Zero(t, te.count(callState(c.ID, sipcore.CallTerminated)))
}

// Deleting an account with a live call defers the deletion until the call ends.
func TestDeleteAccountWithLiveCall(t *testing.T) {
	te := newTestEndpoint(t, nil)
	acc := te.registeredAccount("sip:alice@example.com")
	c := te.confirmedCall(acc.ID, "sip:bob@example.com")

	require.NoError(t, te.ep.DeleteAccount(acc.ID))

	pending, err := te.ep.FindAccount(acc.ID)
	require.NoError(t, err)
	assert.True(t, pending.PendingDeletion)
	assert.Equal(t, 1, pending.Calls)
	assert.Zero(t, te.engine.Releases(acc.Handle))
	te.waitEvent(func(ev sipcore.Event) bool {
		return ev.Kind == sipcore.EventRegistrationChanged && ev.Account.ID == acc.ID && ev.Account.PendingDeletion
	}, "no pending deletion event")

	// a second delete is accepted and changes nothing
	require.NoError(t, te.ep.DeleteAccount(acc.ID))

	_, err = te.ep.MakeCall(acc.ID, "sip:carol@example.com", sipcore.CallSettings{}, sipcore.MsgData{})
	assert.ErrorIs(t, err, sipcore.ErrAccountPendingDeletion)
	assert.ErrorIs(t, err, sipcore.ErrInvalidStateTransition)

	require.NoError(t, te.ep.HangupCall(c.ID))
	te.waitEvent(callEvent(sipcore.EventCallTerminated, c.ID), "call not terminated")

	require.Eventually(t, func() bool {
		_, err := te.ep.FindAccount(acc.ID)
		return errors.Is(err, sipcore.ErrNotFound)
	}, waitFor, tick)
	te.waitEvent(accountEvent(acc.ID, sipcore.AccountDeleted), "no deleted event")

	te.stop()
	assert.Equal(t, 1, te.engine.Releases(acc.Handle))
}

func TestEventHandlerMayCallEndpoint(t *testing.T) {
	var (
		ep       *sipcore.Endpoint
		mu       sync.Mutex
		listed   []int
		received = make(chan sipcore.Event, 100)
	)
	engine, err := loopback.New()
	require.NoError(t, err)
	defer engine.Close()

	ep, err = sipcore.New(engine, sipcore.SetEventHandler(func(ev sipcore.Event) {
		mu.Lock()
		listed = append(listed, len(ep.ListAccounts()))
		mu.Unlock()
		received <- ev
	}))
	require.NoError(t, err)
	_, err = ep.Start(context.Background(), udpOnly)
	require.NoError(t, err)
	defer ep.Stop()

	_, err = ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, sipcore.EventRegistrationChanged, ev.Kind)
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}
	mu.Lock()
	assert.Equal(t, 1, listed[0])
	mu.Unlock()
}

func TestEventSequenceIsPerEntityAndIncreasing(t *testing.T) {
	te := newTestEndpoint(t, nil)
	acc := te.registeredAccount("sip:alice@example.com")
	c := te.confirmedCall(acc.ID, "sip:bob@example.com")
	require.NoError(t, te.ep.HoldCall(c.ID))
	te.waitEvent(callState(c.ID, sipcore.CallHeld), "call not held")
	require.NoError(t, te.ep.HangupCall(c.ID))
	te.waitEvent(callEvent(sipcore.EventCallTerminated, c.ID), "call not terminated")
	te.stop()

	var accSeq, callSeq uint64
	for _, ev := range te.snapshot() {
		switch {
		case ev.Account != nil:
			assert.Equal(t, accSeq+1, ev.Seq, "account event %s", ev.Kind)
			accSeq = ev.Seq
		case ev.Call != nil:
			assert.Equal(t, callSeq+1, ev.Seq, "call event %s", ev.Kind)
			callSeq = ev.Seq
		}
	}
	assert.NotZero(t, accSeq)
	assert.NotZero(t, callSeq)
}

func TestConcurrentCalls(t *testing.T) {
	const callers = 8
	te := newTestEndpoint(t, nil)
	acc := te.registeredAccount("sip:alice@example.com")

	var wg sync.WaitGroup
	ids := make(chan sipcore.CallID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := te.ep.MakeCall(acc.ID, "sip:bob@example.com", sipcore.CallSettings{}, sipcore.MsgData{})
			if !assert.NoError(t, err) {
				return
			}
			ids <- c.ID
			assert.NoError(t, te.ep.HangupCall(c.ID))
		}()
	}
	wg.Wait()
	close(ids)

	require.Eventually(t, func() bool { return len(te.ep.ListCalls()) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		a, err := te.ep.FindAccount(acc.ID)
		return err == nil && a.Calls == 0
	}, waitFor, tick)

	te.stop()
	seen := make(map[sipcore.CallID]bool)
	for id := range ids {
		assert.False(t, seen[id], "call id %d reused", id)
		seen[id] = true
		assert.Equal(t, 1, te.count(callEvent(sipcore.EventCallTerminated, id)), "call %d", id)
	}
	assert.Len(t, seen, callers)
}
