package loopback

import (
	"fmt"
	"sort"
	"sync"

	"github.com/f18m/go-sipendpoint/pkg/sipcore"
)

// Op names an [Engine] method, for error injection with [Engine.SetError].
type Op string

const (
	OpCreateAccount    Op = "CreateAccount"
	OpRegisterAccount  Op = "RegisterAccount"
	OpRebindAccount    Op = "RebindAccount"
	OpSetStunServers   Op = "SetStunServers"
	OpDial             Op = "Dial"
	OpAnswer           Op = "Answer"
	OpHangup           Op = "Hangup"
	OpHold             Op = "Hold"
	OpTransfer         Op = "Transfer"
	OpSetAudioRoute    Op = "SetAudioRoute"
	OpSetCodecPriority Op = "SetCodecPriority"
	OpSetOrientation   Op = "SetOrientation"
)

// Hangup records one Hangup request.
type Hangup struct {
	Call       sipcore.CallHandle
	StatusCode int
	Target     string
}

type account struct {
	params    sipcore.AccountParams
	transport sipcore.TransportID
	released  int
}

type call struct {
	account sipcore.AccountHandle
	remote  string
	muted   bool
	dtmf    string
	ended   bool
}

// Engine is an in-memory [sipcore.Engine]. Every request succeeds unless an error was
// injected with [Engine.SetError] or [Engine.FailTransport].
//
// In automatic mode (the default) the engine answers each request with the notifications a
// well-behaved SIP peer would cause: registrations succeed, dialed calls ring and are
// answered, hang-ups terminate. In manual mode ([Manual]) requests are only recorded and
// the test drives every transition with [Engine.Emit].
//
// Notifications are delivered in order by a background goroutine, so engine methods never
// block on the notification channel.
type Engine struct {
	manual bool
	codecs []string
	logger sipcore.Logger

	mu            sync.Mutex
	nextTransport sipcore.TransportID
	nextAccount   int
	nextCall      int
	transports    map[sipcore.TransportID]sipcore.TransportKind
	accounts      map[sipcore.AccountHandle]*account
	calls         map[sipcore.CallHandle]*call
	callReleases  map[sipcore.CallHandle]int
	errs          map[Op]error
	failTransport map[sipcore.TransportKind]error
	rejectURIs    map[string]int
	transportGate chan struct{}
	gateEntered   chan struct{}

	route          sipcore.AudioRoute
	routeApplied   int
	orientation    string
	codecPriority  map[string]int
	dialed         []sipcore.DialParams
	hangups        []Hangup
	answered       []sipcore.CallHandle
	pending        []sipcore.Notification
	closed         bool
	notifications  chan sipcore.Notification
	wake           chan struct{}
	done           chan struct{}
	closeOnce      sync.Once
	workerFinished chan struct{}
}

var _ sipcore.Engine = (*Engine)(nil)

// New creates a running [Engine]. Call [Engine.Close] to stop it.
func New(options ...func(*Engine) error) (*Engine, error) {
	e := &Engine{
		codecs:         []string{"opus/48000/2", "G722/16000/1", "PCMU/8000/1", "PCMA/8000/1"},
		transports:     make(map[sipcore.TransportID]sipcore.TransportKind),
		accounts:       make(map[sipcore.AccountHandle]*account),
		calls:          make(map[sipcore.CallHandle]*call),
		callReleases:   make(map[sipcore.CallHandle]int),
		errs:           make(map[Op]error),
		failTransport:  make(map[sipcore.TransportKind]error),
		rejectURIs:     make(map[string]int),
		route:          sipcore.RouteEarpiece,
		notifications:  make(chan sipcore.Notification, 100),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		workerFinished: make(chan struct{}),
	}
	for _, opt := range options {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.logger == nil {
		e.logger = sipcore.NopLogger()
	}
	go e.run()
	return e, nil
}

// Manual disables the automatic notifications.
func Manual() func(*Engine) error {
	return func(e *Engine) error {
		e.manual = true
		return nil
	}
}

// SetCodecs sets the codecs reported by SupportedCodecs.
func SetCodecs(codecs ...string) func(*Engine) error {
	return func(e *Engine) error {
		if len(codecs) == 0 {
			return fmt.Errorf("loopback: empty codec list")
		}
		e.codecs = append([]string(nil), codecs...)
		return nil
	}
}

// SetLogger sets the logger of the engine.
func SetLogger(l sipcore.Logger) func(*Engine) error {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// run forwards pending notifications to the channel, in order.
func (e *Engine) run() {
	defer close(e.workerFinished)
	for {
		for {
			e.mu.Lock()
			if len(e.pending) == 0 {
				e.mu.Unlock()
				break
			}
			n := e.pending[0]
			e.pending = e.pending[1:]
			e.mu.Unlock()

			select {
			case e.notifications <- n:
			case <-e.done:
				return
			}
		}
		select {
		case <-e.wake:
		case <-e.done:
			return
		}
	}
}

// Close stops delivering notifications and closes the notification channel.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		<-e.workerFinished
		close(e.notifications)
	})
}

// Emit queues n for delivery. It is how tests drive an engine in manual mode, and it can
// be used in automatic mode too, e.g. to simulate a registration expiry.
func (e *Engine) Emit(n ...sipcore.Notification) {
	e.mu.Lock()
	e.queueLocked(n...)
	e.mu.Unlock()
}

func (e *Engine) queueLocked(n ...sipcore.Notification) {
	if e.closed {
		return
	}
	for _, x := range n {
		e.logger.Debugf("loopback: queue %s %s%s", x.Type, x.Account, x.Call)
	}
	e.pending = append(e.pending, n...)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// autoLocked queues n only in automatic mode.
func (e *Engine) autoLocked(n ...sipcore.Notification) {
	if !e.manual {
		e.queueLocked(n...)
	}
}

// SetError makes every following call of op fail with err. A nil err clears it.
func (e *Engine) SetError(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.errs, op)
		return
	}
	e.errs[op] = err
}

// FailTransport makes the creation of transports of the given kind fail with err.
// A nil err clears it.
func (e *Engine) FailTransport(kind sipcore.TransportKind, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failTransport, kind)
		return
	}
	e.failTransport[kind] = err
}

// RejectRegistrations makes the automatic registrations of accounts with the given URI
// fail with statusCode. Zero accepts them again.
func (e *Engine) RejectRegistrations(uri string, statusCode int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if statusCode == 0 {
		delete(e.rejectURIs, uri)
		return
	}
	e.rejectURIs[uri] = statusCode
}

func accountNotify(t sipcore.NotificationType, h sipcore.AccountHandle, code int, reason string) sipcore.Notification {
	return sipcore.Notification{Entity: sipcore.EntityAccount, Type: t, Account: h, StatusCode: code, Reason: reason}
}

func callNotify(t sipcore.NotificationType, c sipcore.CallHandle, code int, reason string) sipcore.Notification {
	return sipcore.Notification{Entity: sipcore.EntityCall, Type: t, Call: c, StatusCode: code, Reason: reason}
}

// ---- transports ----

// HoldTransports makes CreateTransport block until release is called. entered receives
// once for every CreateTransport call that blocked.
func (e *Engine) HoldTransports() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 16)
	e.mu.Lock()
	e.transportGate, e.gateEntered = gate, in
	e.mu.Unlock()

	var once sync.Once
	return in, func() {
		once.Do(func() {
			e.mu.Lock()
			e.transportGate, e.gateEntered = nil, nil
			e.mu.Unlock()
			close(gate)
		})
	}
}

func (e *Engine) CreateTransport(kind sipcore.TransportKind, _ sipcore.TransportKindConfig) (sipcore.TransportID, error) {
	e.mu.Lock()
	gate, in := e.transportGate, e.gateEntered
	e.mu.Unlock()
	if gate != nil {
		select {
		case in <- struct{}{}:
		default:
		}
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failTransport[kind]; err != nil {
		return sipcore.TransportUnbound, err
	}
	id := e.nextTransport
	e.nextTransport++
	e.transports[id] = kind
	return id, nil
}

func (e *Engine) DestroyTransport(id sipcore.TransportID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.transports[id]; !ok {
		return fmt.Errorf("loopback: unknown transport %d", id)
	}
	delete(e.transports, id)
	return nil
}

// ---- accounts ----

func (e *Engine) CreateAccount(params sipcore.AccountParams) (sipcore.AccountHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpCreateAccount]; err != nil {
		return "", err
	}
	if _, ok := e.transports[params.TransportID]; !ok {
		return "", fmt.Errorf("loopback: unknown transport %d", params.TransportID)
	}
	e.nextAccount++
	h := sipcore.AccountHandle(fmt.Sprintf("acc-%d", e.nextAccount))
	e.accounts[h] = &account{params: params, transport: params.TransportID}
	return h, nil
}

func (e *Engine) liveAccountLocked(h sipcore.AccountHandle) (*account, error) {
	a, ok := e.accounts[h]
	if !ok || a.released > 0 {
		return nil, fmt.Errorf("loopback: unknown account %q", h)
	}
	return a, nil
}

func (e *Engine) registrationOutcomeLocked(h sipcore.AccountHandle, a *account) {
	if code := e.rejectURIs[a.params.URI]; code != 0 {
		e.autoLocked(accountNotify(sipcore.NotifyRegisterFailed, h, code, "Forbidden"))
		return
	}
	e.autoLocked(accountNotify(sipcore.NotifyRegistered, h, 200, "OK"))
}

func (e *Engine) RegisterAccount(h sipcore.AccountHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpRegisterAccount]; err != nil {
		return err
	}
	a, err := e.liveAccountLocked(h)
	if err != nil {
		return err
	}
	e.registrationOutcomeLocked(h, a)
	return nil
}

func (e *Engine) UnregisterAccount(h sipcore.AccountHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.liveAccountLocked(h); err != nil {
		return err
	}
	e.autoLocked(accountNotify(sipcore.NotifyUnregistered, h, 200, "OK"))
	return nil
}

func (e *Engine) ReleaseAccount(h sipcore.AccountHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[h]
	if !ok {
		return fmt.Errorf("loopback: unknown account %q", h)
	}
	a.released++
	if a.released > 1 {
		return fmt.Errorf("loopback: account %q released %d times", h, a.released)
	}
	return nil
}

func (e *Engine) SetStunServers(h sipcore.AccountHandle, servers []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpSetStunServers]; err != nil {
		return err
	}
	a, err := e.liveAccountLocked(h)
	if err != nil {
		return err
	}
	a.params.StunServers = append([]string(nil), servers...)
	return nil
}

func (e *Engine) RebindAccount(h sipcore.AccountHandle, kind sipcore.TransportKind, id sipcore.TransportID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpRebindAccount]; err != nil {
		return err
	}
	a, err := e.liveAccountLocked(h)
	if err != nil {
		return err
	}
	if k, ok := e.transports[id]; !ok || k != kind {
		return fmt.Errorf("loopback: no %s transport %d", kind, id)
	}
	a.transport = id
	e.registrationOutcomeLocked(h, a)
	return nil
}

// ---- calls ----

func (e *Engine) Dial(h sipcore.AccountHandle, params sipcore.DialParams) (sipcore.CallHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpDial]; err != nil {
		return "", err
	}
	if _, err := e.liveAccountLocked(h); err != nil {
		return "", err
	}
	c := e.newCallLocked(h, params.Destination)
	e.dialed = append(e.dialed, params)

	ringing := callNotify(sipcore.NotifyCallRinging, c, 180, "Ringing")
	confirmed := callNotify(sipcore.NotifyCallConfirmed, c, 200, "OK")
	confirmed.RemoteURI = params.Destination
	e.autoLocked(ringing, confirmed)
	return c, nil
}

func (e *Engine) newCallLocked(h sipcore.AccountHandle, remote string) sipcore.CallHandle {
	e.nextCall++
	c := sipcore.CallHandle(fmt.Sprintf("call-%d", e.nextCall))
	e.calls[c] = &call{account: h, remote: remote}
	return c
}

// IncomingCall simulates an INVITE from remote to the account. The call-incoming
// notification is queued in both modes.
func (e *Engine) IncomingCall(h sipcore.AccountHandle, remote, displayName string) sipcore.CallHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.newCallLocked(h, remote)
	n := callNotify(sipcore.NotifyCallIncoming, c, 0, "")
	n.Account = h
	n.RemoteURI = remote
	n.RemoteName = displayName
	e.queueLocked(n)
	return c
}

func (e *Engine) liveCallLocked(c sipcore.CallHandle) (*call, error) {
	cl, ok := e.calls[c]
	if !ok || cl.ended {
		return nil, fmt.Errorf("loopback: unknown call %q", c)
	}
	return cl, nil
}

func (e *Engine) Answer(c sipcore.CallHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpAnswer]; err != nil {
		return err
	}
	if _, err := e.liveCallLocked(c); err != nil {
		return err
	}
	e.answered = append(e.answered, c)
	e.autoLocked(
		callNotify(sipcore.NotifyCallConnecting, c, 200, "OK"),
		callNotify(sipcore.NotifyCallConfirmed, c, 200, "OK"),
	)
	return nil
}

func (e *Engine) Hangup(c sipcore.CallHandle, statusCode int, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpHangup]; err != nil {
		return err
	}
	cl, ok := e.calls[c]
	if !ok {
		return fmt.Errorf("loopback: unknown call %q", c)
	}
	e.hangups = append(e.hangups, Hangup{Call: c, StatusCode: statusCode, Target: target})
	if cl.ended {
		return nil
	}
	cl.ended = true

	code, reason := statusCode, "Normal call clearing"
	switch statusCode {
	case 0:
		code = 200
	case 302:
		reason = "Moved Temporarily"
	case 480:
		reason = "Temporarily Unavailable"
	case 603:
		reason = "Decline"
	}
	e.autoLocked(
		callNotify(sipcore.NotifyCallDisconnect, c, 0, ""),
		callNotify(sipcore.NotifyCallTerminated, c, code, reason),
	)
	return nil
}

func (e *Engine) Hold(c sipcore.CallHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpHold]; err != nil {
		return err
	}
	if _, err := e.liveCallLocked(c); err != nil {
		return err
	}
	e.autoLocked(callNotify(sipcore.NotifyCallHeld, c, 0, ""))
	return nil
}

func (e *Engine) Unhold(c sipcore.CallHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.liveCallLocked(c); err != nil {
		return err
	}
	e.autoLocked(callNotify(sipcore.NotifyCallResumed, c, 0, ""))
	return nil
}

func (e *Engine) SetMute(c sipcore.CallHandle, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, err := e.liveCallLocked(c)
	if err != nil {
		return err
	}
	// local mute is not echoed back: only media changes raised by the peer are notified
	cl.muted = muted
	return nil
}

// Transfer succeeds in automatic mode: 100 Trying, then a final 200 OK, after which the
// transferred call is terminated.
func (e *Engine) Transfer(c sipcore.CallHandle, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpTransfer]; err != nil {
		return err
	}
	cl, err := e.liveCallLocked(c)
	if err != nil {
		return err
	}
	if e.manual {
		return nil
	}
	trying := callNotify(sipcore.NotifyTransferStatus, c, 100, "Trying")
	trying.RemoteURI = target
	ok := callNotify(sipcore.NotifyTransferStatus, c, 200, "OK")
	ok.RemoteURI = target
	ok.Final = true
	cl.ended = true
	e.queueLocked(trying, ok, callNotify(sipcore.NotifyCallTerminated, c, 200, "Call transferred"))
	return nil
}

// ReleaseCall forgets the call. Releasing a call twice is an error.
func (e *Engine) ReleaseCall(c sipcore.CallHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.calls[c]; !ok && e.callReleases[c] == 0 {
		return fmt.Errorf("loopback: unknown call %q", c)
	}
	delete(e.calls, c)
	e.callReleases[c]++
	if n := e.callReleases[c]; n > 1 {
		return fmt.Errorf("loopback: call %q released %d times", c, n)
	}
	return nil
}

func (e *Engine) SendDTMF(c sipcore.CallHandle, digits string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, err := e.liveCallLocked(c)
	if err != nil {
		return err
	}
	cl.dtmf += digits
	return nil
}

// ---- media ----

func (e *Engine) SupportedCodecs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.codecs...)
}

func (e *Engine) SetCodecPriority(table map[string]int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpSetCodecPriority]; err != nil {
		return err
	}
	e.codecPriority = make(map[string]int, len(table))
	for k, v := range table {
		e.codecPriority[k] = v
	}
	return nil
}

func (e *Engine) SetAudioRoute(route sipcore.AudioRoute) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpSetAudioRoute]; err != nil {
		return err
	}
	e.route = route
	e.routeApplied++
	return nil
}

func (e *Engine) SetOrientation(orientation string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.errs[OpSetOrientation]; err != nil {
		return err
	}
	e.orientation = orientation
	return nil
}

func (e *Engine) Notifications() <-chan sipcore.Notification {
	return e.notifications
}

// ---- inspection ----

// Releases returns how many times the account was released.
func (e *Engine) Releases(h sipcore.AccountHandle) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.accounts[h]; ok {
		return a.released
	}
	return 0
}

// CallReleases returns how many times the call was released.
func (e *Engine) CallReleases(c sipcore.CallHandle) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callReleases[c]
}

// AccountTransport returns the transport the account is currently bound to.
func (e *Engine) AccountTransport(h sipcore.AccountHandle) sipcore.TransportID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.accounts[h]; ok {
		return a.transport
	}
	return sipcore.TransportUnbound
}

// StunServers returns the STUN servers last set on the account.
func (e *Engine) StunServers(h sipcore.AccountHandle) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.accounts[h]; ok {
		return append([]string(nil), a.params.StunServers...)
	}
	return nil
}

// Transports returns the ids of the live transports, sorted.
func (e *Engine) Transports() []sipcore.TransportID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sipcore.TransportID, 0, len(e.transports))
	for id := range e.transports {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Route returns the last audio route applied and how many times a route was applied.
func (e *Engine) Route() (sipcore.AudioRoute, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.route, e.routeApplied
}

func (e *Engine) Orientation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orientation
}

func (e *Engine) CodecPriority() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.codecPriority))
	for k, v := range e.codecPriority {
		out[k] = v
	}
	return out
}

// Dialed returns the parameters of every Dial request.
func (e *Engine) Dialed() []sipcore.DialParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sipcore.DialParams(nil), e.dialed...)
}

// Hangups returns every Hangup request.
func (e *Engine) Hangups() []Hangup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Hangup(nil), e.hangups...)
}

// Answered returns the calls Answer was requested for.
func (e *Engine) Answered() []sipcore.CallHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sipcore.CallHandle(nil), e.answered...)
}

// DTMF returns the digits sent on the call.
func (e *Engine) DTMF(c sipcore.CallHandle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cl, ok := e.calls[c]; ok {
		return cl.dtmf
	}
	return ""
}

// Muted reports the mute flag last requested for the call.
func (e *Engine) Muted(c sipcore.CallHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cl, ok := e.calls[c]; ok {
		return cl.muted
	}
	return false
}
