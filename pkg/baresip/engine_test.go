package baresip

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/markdingo/netstring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/f18m/go-sipendpoint/pkg/sipcore"
)

// fakeCtrlTCP plays the baresip side of ctrl_tcp: it acknowledges every command and
// lets the test push events.
type fakeCtrlTCP struct {
	t  *testing.T
	ln net.Listener

	connected chan struct{}

	mu   sync.Mutex
	enc  *netstring.Encoder
	cmds []CommandMsg
	fail map[string]string
}

func newFakeCtrlTCP(t *testing.T) *fakeCtrlTCP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeCtrlTCP{t: t, ln: ln, connected: make(chan struct{}), fail: make(map[string]string)}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeCtrlTCP) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.enc = netstring.NewEncoder(conn)
	f.mu.Unlock()
	close(f.connected)

	dec := netstring.NewDecoder(conn)
	for {
		raw, err := dec.Decode()
		if err != nil {
			return
		}
		var cmd CommandMsg
		if err := json.Unmarshal(raw, &cmd); err != nil {
			f.t.Errorf("bad command %q: %s", raw, err)
			return
		}

		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		reason, failed := f.fail[cmd.Command]
		f.mu.Unlock()

		f.send(ResponseMsg{Response: true, Ok: !failed, Data: reason, Token: cmd.Token})
	}
}

func (f *fakeCtrlTCP) send(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal: %s", err)
		return
	}
	select {
	case <-f.connected:
	case <-time.After(2 * time.Second):
		f.t.Errorf("no client connected")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.EncodeString(netstring.NoKey, string(msg)); err != nil {
		f.t.Errorf("send: %s", err)
	}
}

func (f *fakeCtrlTCP) push(ev EventMsg) {
	ev.Event = true
	f.send(ev)
}

func (f *fakeCtrlTCP) failCommand(command, reason string) {
	f.mu.Lock()
	f.fail[command] = reason
	f.mu.Unlock()
}

// commands returns the "command params" lines received so far, and forgets them.
func (f *fakeCtrlTCP) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.cmds {
		line := c.Command
		if c.Params != "" {
			line += " " + c.Params
		}
		out = append(out, line)
	}
	f.cmds = nil
	return out
}

func newServedBaresip(t *testing.T) (*Baresip, *fakeCtrlTCP) {
	t.Helper()
	f := newFakeCtrlTCP(t)
	b, err := New(
		UseExternalBaresip(),
		SetCtrlTCPAddr(f.ln.Addr().String()),
		SetPingInterval(-1),
		SetLogger(zaptest.NewLogger(t).Sugar()),
		SetAudioDevices("", "alsa,speaker"),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})

	select {
	case <-b.Ready():
	case err := <-served:
		t.Fatalf("Serve: %s", err)
	case <-time.After(2 * time.Second):
		t.Fatal("not connected")
	}
	return b, f
}

func nextNotification(t *testing.T, b *Baresip) sipcore.Notification {
	t.Helper()
	select {
	case n, ok := <-b.Notifications():
		require.True(t, ok, "notifications closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
	return sipcore.Notification{}
}

func TestAccountCommands(t *testing.T) {
	b, f := newServedBaresip(t)

	id, err := b.CreateTransport(sipcore.TransportUDP, sipcore.TransportKindConfig{})
	require.NoError(t, err)
	assert.Equal(t, sipcore.TransportID(0), id)

	h, err := b.CreateAccount(sipcore.AccountParams{
		URI: "sip:alice@example.com", Username: "alice", Password: "pw",
		Transport: sipcore.TransportUDP, TransportID: id,
	})
	require.NoError(t, err)
	assert.Equal(t, alice, h)

	require.NoError(t, b.RegisterAccount(h))
	require.NoError(t, b.UnregisterAccount(h))
	require.NoError(t, b.RebindAccount(h, sipcore.TransportUDP, id))
	require.NoError(t, b.ReleaseAccount(h))
	require.NoError(t, b.DestroyTransport(id))
	assert.Error(t, b.DestroyTransport(id))

	assert.Equal(t, []string{
		"entransp udp yes",
		"uanew <sip:alice@example.com;transport=udp>;auth_user=alice;auth_pass=pw;regint=3600",
		"uafind sip:alice@example.com",
		"uareg 3600",
		"uafind sip:alice@example.com",
		"uareg 0",
		"netchange",
		"uafind sip:alice@example.com",
		"uareg 3600",
		"uadel sip:alice@example.com",
		"entransp udp no",
	}, f.commands())
}

func TestAccountNotifications(t *testing.T) {
	b, f := newServedBaresip(t)
	h, err := b.CreateAccount(sipcore.AccountParams{URI: "sip:alice@example.com"})
	require.NoError(t, err)

	f.push(EventMsg{Class: "register", Type: eventRegistering, AccountAOR: string(h)})
	f.push(EventMsg{Class: "register", Type: eventRegisterFail, AccountAOR: string(h), Param: "401 Unauthorized"})

	assert.Equal(t, sipcore.NotifyRegistering, nextNotification(t, b).Type)
	failed := nextNotification(t, b)
	assert.Equal(t, sipcore.NotifyRegisterFailed, failed.Type)
	assert.Equal(t, 401, failed.StatusCode)
	assert.Equal(t, "Unauthorized", failed.Reason)
}

func TestOutgoingCall(t *testing.T) {
	b, f := newServedBaresip(t)
	h, err := b.CreateAccount(sipcore.AccountParams{URI: "sip:alice@example.com"})
	require.NoError(t, err)
	f.commands()

	c, err := b.Dial(h, sipcore.DialParams{Destination: "sip:bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"uafind sip:alice@example.com", "dial sip:bob@example.com"}, f.commands())

	assert.ErrorIs(t, b.Hold(c), ErrUnknownCall, "baresip has not reported the call yet")

	f.push(EventMsg{Class: "call", Type: eventCallOutgoing, AccountAOR: string(h), ID: "c1"})
	f.push(EventMsg{Class: "call", Type: eventCallRinging, ID: "c1"})
	f.push(EventMsg{Class: "call", Type: eventCallEstablished, ID: "c1", PeerURI: "sip:bob@example.com"})

	ringing := nextNotification(t, b)
	assert.Equal(t, sipcore.NotifyCallRinging, ringing.Type)
	assert.Equal(t, c, ringing.Call)
	confirmed := nextNotification(t, b)
	assert.Equal(t, sipcore.NotifyCallConfirmed, confirmed.Type)
	assert.Equal(t, "sip:bob@example.com", confirmed.RemoteURI)

	require.NoError(t, b.SetMute(c, true))
	require.NoError(t, b.SetMute(c, true))
	require.NoError(t, b.Hold(c))
	require.NoError(t, b.SendDTMF(c, "12#"))
	require.NoError(t, b.Transfer(c, "sip:carol@example.com"))
	assert.Equal(t, []string{
		"callfind c1", "mute",
		"callfind c1", "hold",
		"callfind c1", "sndcode 12#",
		"callfind c1", "transfer sip:carol@example.com",
	}, f.commands())

	f.push(EventMsg{Class: "call", Type: eventCallClosed, ID: "c1", Param: "Call transferred"})
	status := nextNotification(t, b)
	assert.Equal(t, sipcore.NotifyTransferStatus, status.Type)
	assert.True(t, status.Final)
	term := nextNotification(t, b)
	assert.Equal(t, sipcore.NotifyCallTerminated, term.Type)
	assert.Equal(t, "Call transferred", term.Reason)

	require.NoError(t, b.ReleaseCall(c))
	assert.ErrorIs(t, b.Hold(c), ErrUnknownCall)
	assert.Empty(t, f.commands())
}

func TestHangupBeforeCallIsReported(t *testing.T) {
	b, f := newServedBaresip(t)
	h, err := b.CreateAccount(sipcore.AccountParams{URI: "sip:alice@example.com"})
	require.NoError(t, err)

	c, err := b.Dial(h, sipcore.DialParams{Destination: "sip:bob@example.com"})
	require.NoError(t, err)
	require.NoError(t, b.Hangup(c, 0, ""))
	f.commands()

	f.push(EventMsg{Class: "call", Type: eventCallOutgoing, AccountAOR: string(h), ID: "c7"})
	assert.Eventually(t, func() bool {
		for _, cmd := range f.commands() {
			if cmd == "hangup c7" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIncomingCallRejected(t *testing.T) {
	b, f := newServedBaresip(t)

	f.push(EventMsg{Class: "call", Type: eventCallIncoming, AccountAOR: "sip:alice@example.com", ID: "in1", PeerURI: "sip:bob@example.com"})
	n := nextNotification(t, b)
	require.Equal(t, sipcore.NotifyCallIncoming, n.Type)
	assert.Equal(t, alice, n.Account)

	assert.ErrorIs(t, b.Hangup(n.Call, 486, "sip:voicemail@example.com"), ErrUnsupported)
	require.NoError(t, b.Hangup(n.Call, 486, ""))
	assert.Equal(t, []string{"hangup in1 486"}, f.commands())
}

func TestCommandFailure(t *testing.T) {
	b, f := newServedBaresip(t)
	f.failCommand("uanew", "invalid account")

	_, err := b.CreateAccount(sipcore.AccountParams{URI: "sip:alice@example.com"})
	assert.ErrorIs(t, err, ErrCmdFailed)
	assert.Contains(t, err.Error(), "invalid account")
	assert.Equal(t, uint32(1), b.GetStats().TxStats.SuccessfulCmds)
}

func TestMediaCommands(t *testing.T) {
	b, f := newServedBaresip(t)

	require.NoError(t, b.SetAudioRoute(sipcore.RouteEarpiece), "no earpiece device configured")
	require.NoError(t, b.SetAudioRoute(sipcore.RouteSpeaker))
	require.NoError(t, b.SetOrientation("landscape"))
	assert.Equal(t, []string{"auplay alsa,speaker"}, f.commands())
	assert.Contains(t, b.SupportedCodecs(), "opus/48000/2")
}

func TestServeWithoutBaresip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	b, err := New(UseExternalBaresip(), SetCtrlTCPAddr(addr), SetPingInterval(-1))
	require.NoError(t, err)
	err = b.Serve(context.Background())
	assert.True(t, errors.Is(err, ErrNoCtrlConn), "unexpected error %v", err)

	_, ok := <-b.Notifications()
	assert.False(t, ok)
	assert.ErrorIs(t, b.CmdUareg(0), ErrNoCtrlConn)
}
