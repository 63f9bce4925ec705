package sipcore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f18m/go-sipendpoint/pkg/loopback"
	"github.com/f18m/go-sipendpoint/pkg/sipcore"
)

func TestStartBindsConfiguredKinds(t *testing.T) {
	te := newTestEndpointWith(t, sipcore.TransportConfig{
		UDP: &sipcore.TransportKindConfig{Port: 5060},
		TCP: &sipcore.TransportKindConfig{Port: 5060},
	}, nil)

	assert.Equal(t, sipcore.TransportID(0), te.ids.UDP)
	assert.Equal(t, sipcore.TransportID(1), te.ids.TCP)
	assert.Equal(t, sipcore.TransportUnbound, te.ids.TLS)
	assert.Empty(t, te.ids.Failures)
	assert.Equal(t, te.ids, te.ep.Transports())
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  sipcore.TransportConfig
	}{
		{"no transport", sipcore.TransportConfig{}},
		{"bad port", sipcore.TransportConfig{UDP: &sipcore.TransportKindConfig{Port: 70000}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := loopback.New()
			require.NoError(t, err)
			defer engine.Close()
			ep, err := sipcore.New(engine)
			require.NoError(t, err)

			ids, err := ep.Start(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, sipcore.ErrConfiguration)
			assert.Equal(t, sipcore.TransportUnbound, ids.UDP)
			assert.Empty(t, engine.Transports())
		})
	}
}

func TestStartOptionalKindFailure(t *testing.T) {
	engine, err := loopback.New()
	require.NoError(t, err)
	defer engine.Close()
	engine.FailTransport(sipcore.TransportTLS, errors.New("no certificate"))

	ep, err := sipcore.New(engine)
	require.NoError(t, err)
	ids, err := ep.Start(context.Background(), sipcore.TransportConfig{
		UDP: &sipcore.TransportKindConfig{},
		TLS: &sipcore.TransportKindConfig{Port: 5061},
	})
	require.NoError(t, err)
	defer ep.Stop()

	assert.NotEqual(t, sipcore.TransportUnbound, ids.UDP)
	assert.Equal(t, sipcore.TransportUnbound, ids.TLS)
	require.Contains(t, ids.Failures, sipcore.TransportTLS)
	assert.ErrorIs(t, ids.Failures[sipcore.TransportTLS], sipcore.ErrTransportUnavailable)
}

func TestStartRequiredKindFailureRollsBack(t *testing.T) {
	engine, err := loopback.New()
	require.NoError(t, err)
	defer engine.Close()
	engine.FailTransport(sipcore.TransportTCP, errors.New("address in use"))

	ep, err := sipcore.New(engine)
	require.NoError(t, err)
	ids, err := ep.Start(context.Background(), sipcore.TransportConfig{
		UDP: &sipcore.TransportKindConfig{},
		TCP: &sipcore.TransportKindConfig{Required: true},
	})
	assert.ErrorIs(t, err, sipcore.ErrTransportUnavailable)
	assert.Equal(t, sipcore.TransportUnbound, ids.UDP)
	assert.Empty(t, engine.Transports(), "the udp transport is destroyed")

	_, err = ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
	assert.ErrorIs(t, err, sipcore.ErrNotStarted)
}

func TestStartTwice(t *testing.T) {
	te := newTestEndpoint(t, nil)
	_, err := te.ep.Start(context.Background(), udpOnly)
	assert.ErrorIs(t, err, sipcore.ErrAlreadyStarted)
}

func TestAccountPicksFirstBoundKind(t *testing.T) {
	te := newTestEndpointWith(t, sipcore.TransportConfig{
		TCP: &sipcore.TransportKindConfig{},
		TLS: &sipcore.TransportKindConfig{},
	}, nil)

	acc, err := te.ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, sipcore.TransportTCP, acc.Transport)

	acc, err = te.ep.CreateAccount(sipcore.AccountConfig{URI: "sips:bob@example.com", Transport: sipcore.TransportTLS})
	require.NoError(t, err)
	assert.Equal(t, sipcore.TransportTLS, acc.Transport)
	assert.Equal(t, te.ids.TLS, te.engine.AccountTransport(acc.Handle))
}

// After a network change transports are rebound and accounts re-register; calls survive.
func TestHandleIPChange(t *testing.T) {
	te := newTestEndpoint(t, nil)
	acc := te.registeredAccount("sip:alice@example.com")
	c := te.confirmedCall(acc.ID, "sip:bob@example.com")
	before := te.ep.Transports()

	require.NoError(t, te.ep.HandleIPChange())

	after := te.ep.Transports()
	assert.NotEqual(t, before.UDP, after.UDP)
	assert.Equal(t, []sipcore.TransportID{after.UDP}, te.engine.Transports())
	assert.Equal(t, after.UDP, te.engine.AccountTransport(acc.Handle))

	first := te.waitEvent(accountEvent(acc.ID, sipcore.AccountRegistered), "account not registered")
	reg := te.waitEvent(func(ev sipcore.Event) bool {
		return accountEvent(acc.ID, sipcore.AccountRegistering)(ev) && ev.Seq > first.Seq
	}, "no re-registration")
	te.waitEvent(func(ev sipcore.Event) bool {
		return accountEvent(acc.ID, sipcore.AccountRegistered)(ev) && ev.Seq > reg.Seq
	}, "account not registered again")

	info, err := te.ep.FindCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, sipcore.CallConfirmed, info.State)
	assert.Zero(t, te.count(callEvent(sipcore.EventCallTerminated, c.ID)))
}

func TestHandleIPChangeLosesKind(t *testing.T) {
	te := newTestEndpointWith(t, sipcore.TransportConfig{
		UDP: &sipcore.TransportKindConfig{},
		TCP: &sipcore.TransportKindConfig{},
	}, nil)
	onTCP, err := te.ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com", Transport: sipcore.TransportTCP})
	require.NoError(t, err)
	onUDP, err := te.ep.CreateAccount(sipcore.AccountConfig{URI: "sip:bob@example.com", Transport: sipcore.TransportUDP})
	require.NoError(t, err)
	te.waitEvent(accountEvent(onTCP.ID, sipcore.AccountRegistered), "account not registered")
	te.waitEvent(accountEvent(onUDP.ID, sipcore.AccountRegistered), "account not registered")

	te.engine.FailTransport(sipcore.TransportTCP, errors.New("interface down"))
	err = te.ep.HandleIPChange()
	assert.ErrorIs(t, err, sipcore.ErrTransportUnavailable)

	ids := te.ep.Transports()
	assert.Equal(t, sipcore.TransportUnbound, ids.TCP)
	assert.NotEqual(t, sipcore.TransportUnbound, ids.UDP)

	failed, err := te.ep.FindAccount(onTCP.ID)
	require.NoError(t, err)
	assert.Equal(t, sipcore.AccountFailed, failed.State)

	require.Eventually(t, func() bool {
		a, err := te.ep.FindAccount(onUDP.ID)
		return err == nil && a.State == sipcore.AccountRegistered
	}, waitFor, tick)
	assert.Equal(t, ids.UDP, te.engine.AccountTransport(onUDP.Handle))
}

func TestHandleIPChangeRebindRejected(t *testing.T) {
	te := newTestEndpoint(t, nil)
	acc := te.registeredAccount("sip:alice@example.com")
	te.engine.SetError(loopback.OpRebindAccount, errors.New("stack busy"))

	require.NoError(t, te.ep.HandleIPChange())

	info, err := te.ep.FindAccount(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, sipcore.AccountFailed, info.State)
	assert.Contains(t, info.Reason, "stack busy")
}

// An account created while transports are being rebound is bound to the new transport.
func TestHandleIPChangeExcludesCreateAccount(t *testing.T) {
	te := newTestEndpoint(t, nil)
	before := te.ep.Transports()
	entered, release := te.engine.HoldTransports()
	defer release()

	rebound := make(chan error, 1)
	go func() { rebound <- te.ep.HandleIPChange() }()
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("rebind did not reach the engine")
	}

	created := make(chan sipcore.AccountInfo, 1)
	go func() {
		acc, err := te.ep.CreateAccount(sipcore.AccountConfig{URI: "sip:alice@example.com"})
		assert.NoError(t, err)
		created <- acc
	}()
	select {
	case <-created:
		t.Fatal("account created while transports were being rebound")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-rebound:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("HandleIPChange did not return")
	}
	var acc sipcore.AccountInfo
	select {
	case acc = <-created:
	case <-time.After(waitFor):
		t.Fatal("CreateAccount did not return")
	}

	after := te.ep.Transports()
	assert.NotEqual(t, before.UDP, after.UDP)
	assert.Equal(t, after.UDP, te.engine.AccountTransport(acc.Handle))
	te.waitEvent(accountEvent(acc.ID, sipcore.AccountRegistered), "account not registered")
}

// A kind that failed at Start is not retried by a network change.
func TestHandleIPChangeSkipsNeverBoundKind(t *testing.T) {
	engine, err := loopback.New()
	require.NoError(t, err)
	defer engine.Close()
	engine.FailTransport(sipcore.TransportTLS, errors.New("no certificate"))

	ep, err := sipcore.New(engine)
	require.NoError(t, err)
	ids, err := ep.Start(context.Background(), sipcore.TransportConfig{
		UDP: &sipcore.TransportKindConfig{},
		TLS: &sipcore.TransportKindConfig{Port: 5061},
	})
	require.NoError(t, err)
	defer ep.Stop()
	startFailure := ids.Failures[sipcore.TransportTLS]
	require.Error(t, startFailure)

	engine.FailTransport(sipcore.TransportTLS, nil)
	require.NoError(t, ep.HandleIPChange())

	after := ep.Transports()
	assert.NotEqual(t, ids.UDP, after.UDP)
	assert.Equal(t, sipcore.TransportUnbound, after.TLS)
	assert.Equal(t, startFailure, after.Failures[sipcore.TransportTLS])
	assert.Equal(t, []sipcore.TransportID{after.UDP}, engine.Transports())
}

// A kind lost in a network change is retried by the next one.
func TestHandleIPChangeRetriesLostKind(t *testing.T) {
	te := newTestEndpointWith(t, sipcore.TransportConfig{
		UDP: &sipcore.TransportKindConfig{},
		TCP: &sipcore.TransportKindConfig{},
	}, nil)

	te.engine.FailTransport(sipcore.TransportTCP, errors.New("interface down"))
	assert.ErrorIs(t, te.ep.HandleIPChange(), sipcore.ErrTransportUnavailable)
	assert.Equal(t, sipcore.TransportUnbound, te.ep.Transports().TCP)

	te.engine.FailTransport(sipcore.TransportTCP, nil)
	require.NoError(t, te.ep.HandleIPChange())
	ids := te.ep.Transports()
	assert.NotEqual(t, sipcore.TransportUnbound, ids.TCP)
	assert.Empty(t, ids.Failures)
}
