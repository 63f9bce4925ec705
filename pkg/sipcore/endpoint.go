package sipcore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Endpoint is the top-level facade of the core. It composes the transport supervisor,
// the account and call registries, the media routing controller and the event emitter,
// and consumes the notifications of the [Engine].
//
// An Endpoint is started once with [Endpoint.Start] and torn down with [Endpoint.Stop];
// it cannot be restarted. Commands may be issued from any goroutine, including from
// the event handler.
type Endpoint struct {
	engine Engine

	// OPTIONS

	logger                 Logger
	allowUnregisteredCalls bool
	eventHandler           func(Event)
	eventBufferSize        int
	metricsRegisterer      prometheus.Registerer
	shutdownTimeout        time.Duration

	// COMPONENTS

	metrics    *metrics
	emitter    *emitter
	transports *TransportSupervisor
	accounts   *AccountRegistry
	calls      *CallRegistry
	media      *MediaController

	// bindMu is held exclusively while transports are rebound and shared while an account
	// is created, so no account is bound to a transport that is being replaced.
	bindMu sync.RWMutex

	// STATUS

	stateMu sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// inHandler is set while the event handler runs on the emitter goroutine
	inHandler atomic.Bool

	// Channel of events, used when no event handler is set
	eventChan chan Event
}

// New creates a new [Endpoint] supervising engine.
// Options can be set using functional options like [SetLogger], [SetEventHandler],
// [AllowUnregisteredCalls], etc. If no options are provided, it will use default values.
func New(engine Engine, options ...func(*Endpoint) error) (*Endpoint, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrConfiguration)
	}
	e := &Endpoint{
		engine:          engine,
		eventBufferSize: 100,
		shutdownTimeout: 2 * time.Second,
	}

	if err := e.SetOption(options...); err != nil {
		return nil, err
	}

	if e.logger == nil {
		e.logger = &nopLogger{} // Use a no-op logger if none is provided
	}

	e.metrics = newMetrics()
	if e.metricsRegisterer != nil {
		if err := e.metrics.register(e.metricsRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	e.eventChan = make(chan Event, e.eventBufferSize)
	e.emitter = newEmitter(e.deliver, e.metrics)
	e.transports = newTransportSupervisor(engine, e.metrics, e.logger)
	e.accounts = newAccountRegistry(engine, e.emitter, e.metrics, e.logger)
	e.media = newMediaController(engine, e.emitter, e.logger)
	e.calls = newCallRegistry(engine, e.accounts, e.transports, e.media, e.emitter, e.metrics, e.logger)
	e.calls.allowUnregistered = e.allowUnregisteredCalls
	return e, nil
}

// GetEventChan returns the receive-only [Event] channel. It is not used when an event
// handler was set with [SetEventHandler], and it is closed by [Endpoint.Stop].
func (e *Endpoint) GetEventChan() <-chan Event {
	return e.eventChan
}

func (e *Endpoint) deliver(ctx context.Context, ev Event) {
	if e.eventHandler != nil {
		e.inHandler.Store(true)
		defer e.inHandler.Store(false)
		e.eventHandler(ev)
		return
	}
	select {
	case e.eventChan <- ev:
	case <-ctx.Done():
		// shutting down: do not wait for a host that stopped reading
		select {
		case e.eventChan <- ev:
		default:
			e.logger.Warnf("dropping %s event at shutdown: event channel full", ev.Kind)
		}
	}
}

// Start binds the configured transports and starts consuming engine notifications.
// The background goroutines stop when ctx is cancelled or [Endpoint.Stop] is called.
func (e *Endpoint) Start(ctx context.Context, cfg TransportConfig) (TransportIDs, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.started {
		return e.transports.Bound(), ErrAlreadyStarted
	}

	ids, err := e.transports.Start(cfg)
	if err != nil {
		return ids, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.emitter.run(loopCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.dispatchLoop(loopCtx)
	}()

	e.logger.Infof("endpoint started: udp=%d tcp=%d tls=%d", ids.UDP, ids.TCP, ids.TLS)
	return ids, nil
}

// Stop hangs up every call and waits up to the shutdown timeout for the engine to end
// them; calls still alive then are terminated locally. It then deletes every account,
// destroys the transports and waits for the background goroutines. Pending events are
// flushed before the event channel is closed.
//
// Called from the event handler, Stop returns once the teardown is done without waiting
// for the emitter goroutine it runs on; the remaining events are delivered after the
// handler returns.
func (e *Endpoint) Stop() {
	e.stateMu.Lock()
	if !e.started || e.stopped {
		e.stateMu.Unlock()
		return
	}
	e.stopped = true
	// the event handler may be calling into the endpoint while we wait for the emitter
	e.stateMu.Unlock()

	e.calls.hangupAll()
	if !e.calls.awaitIdle(e.shutdownTimeout) {
		e.logger.Warnf("calls still alive after %s, terminating them", e.shutdownTimeout)
	}
	e.calls.terminateAll("Endpoint stopped")
	e.accounts.releaseAll()
	e.transports.Stop()

	e.cancel()
	if e.inHandler.Load() {
		go e.finishStop()
		return
	}
	e.finishStop()
}

func (e *Endpoint) finishStop() {
	e.wg.Wait()
	close(e.eventChan)
	e.logger.Infof("endpoint stopped")
}

func (e *Endpoint) checkStarted() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.started || e.stopped {
		return ErrNotStarted
	}
	return nil
}

// dispatchLoop is the single consumer of engine notifications.
func (e *Endpoint) dispatchLoop(ctx context.Context) {
	notifications := e.engine.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				e.logger.Warnf("engine notification channel closed")
				return
			}
			e.dispatch(n)
		}
	}
}

func (e *Endpoint) dispatch(n Notification) {
	outcome := outcomeIgnored
	switch n.Entity {
	case EntityAccount:
		outcome = e.accounts.apply(n)
	case EntityCall:
		if n.Type == NotifyCallIncoming {
			e.calls.receive(n)
			outcome = outcomeApplied
		} else {
			outcome = e.calls.apply(n)
		}
	default:
		e.logger.Warnf("ignoring notification for unknown entity kind %q", n.Entity)
	}
	e.metrics.notifications.WithLabelValues(outcome).Inc()
}

// CreateAccount creates an account and starts its registration.
func (e *Endpoint) CreateAccount(cfg AccountConfig) (AccountInfo, error) {
	if err := e.checkStarted(); err != nil {
		return AccountInfo{}, err
	}
	e.bindMu.RLock()
	defer e.bindMu.RUnlock()
	return e.accounts.Create(cfg, e.transports.Bound())
}

// DeleteAccount deletes the account, or marks it pending-deletion while calls reference it.
func (e *Endpoint) DeleteAccount(id AccountID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.accounts.Delete(id)
}

// RegisterAccount renews the registration of the account, or unregisters it if renew is false.
func (e *Endpoint) RegisterAccount(id AccountID, renew bool) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.accounts.Register(id, renew)
}

// UpdateStunServers replaces the STUN servers of the account.
func (e *Endpoint) UpdateStunServers(id AccountID, servers []string) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.accounts.UpdateStunServers(id, servers)
}

// FindAccount returns a snapshot of the account.
func (e *Endpoint) FindAccount(id AccountID) (AccountInfo, error) {
	return e.accounts.Find(id)
}

// ListAccounts returns snapshots of all live accounts.
func (e *Endpoint) ListAccounts() []AccountInfo {
	return e.accounts.List()
}

// MakeCall places a call from the account to destination.
func (e *Endpoint) MakeCall(accountID AccountID, destination string, settings CallSettings, msg MsgData) (CallInfo, error) {
	if err := e.checkStarted(); err != nil {
		return CallInfo{}, err
	}
	return e.calls.MakeCall(accountID, destination, settings, msg)
}

// FindCall returns a snapshot of the call.
func (e *Endpoint) FindCall(id CallID) (CallInfo, error) {
	return e.calls.Find(id)
}

// ListCalls returns snapshots of all live calls.
func (e *Endpoint) ListCalls() []CallInfo {
	return e.calls.List()
}

// AnswerCall accepts an incoming call.
func (e *Endpoint) AnswerCall(id CallID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.Answer(id)
}

// HangupCall ends the call.
func (e *Endpoint) HangupCall(id CallID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.Hangup(id)
}

// DeclineCall rejects an incoming call with 603 Decline.
func (e *Endpoint) DeclineCall(id CallID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.Decline(id)
}

// RedirectCall rejects an incoming call with 302, sending the caller to target.
func (e *Endpoint) RedirectCall(id CallID, target string) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.Redirect(id, target)
}

// HoldCall puts a confirmed call on hold.
func (e *Endpoint) HoldCall(id CallID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.Hold(id)
}

// UnholdCall resumes a held call.
func (e *Endpoint) UnholdCall(id CallID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.Unhold(id)
}

// MuteCall mutes the local audio of the call.
func (e *Endpoint) MuteCall(id CallID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.SetMute(id, true)
}

// UnmuteCall unmutes the local audio of the call.
func (e *Endpoint) UnmuteCall(id CallID) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.SetMute(id, false)
}

// TransferCall starts a blind transfer of the call to target.
func (e *Endpoint) TransferCall(id CallID, target string) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.Transfer(id, target)
}

// SendDTMF sends digits (0-9, *, #, A-D) on a confirmed call.
func (e *Endpoint) SendDTMF(id CallID, digits string) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.calls.SendDTMF(id, digits)
}

// UseSpeaker routes audio to the loudspeaker, for the active session and new calls.
func (e *Endpoint) UseSpeaker() error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.media.UseSpeaker()
}

// UseEarpiece routes audio to the earpiece, for the active session and new calls.
func (e *Endpoint) UseEarpiece() error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.media.UseEarpiece()
}

// AudioRoute returns the desired audio route.
func (e *Endpoint) AudioRoute() AudioRoute {
	return e.media.Route()
}

// ChangeOrientation forwards the device orientation to the engine.
func (e *Endpoint) ChangeOrientation(orientation string) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.media.ChangeOrientation(orientation)
}

// ChangeCodecSettings sets codec priorities; a priority of 0 disables the codec.
func (e *Endpoint) ChangeCodecSettings(priorities map[string]int) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.media.ChangeCodecSettings(priorities)
}

// CodecSettings returns the current codec priorities.
func (e *Endpoint) CodecSettings() map[string]int {
	return e.media.CodecSettings()
}

// Transports returns the currently bound transport ids.
func (e *Endpoint) Transports() TransportIDs {
	return e.transports.Bound()
}

// HandleIPChange recovers from a network path change: it rebinds every transport, then
// moves registered accounts back to registering and has the engine re-register them on
// the new transports. Account creation waits until this is done. Calls are not touched.
//
// The returned error reports the transport kinds that could not be rebound; the other
// kinds and their accounts are recovered anyway.
func (e *Endpoint) HandleIPChange() error {
	if err := e.checkStarted(); err != nil {
		return err
	}

	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	e.metrics.transportRebinds.Inc()
	ids, rebindErr := e.transports.RebindAll()
	if rebindErr != nil {
		e.logger.Warnf("network change: %s", rebindErr)
	}

	for _, job := range e.accounts.beginReregistration(ids) {
		if err := e.engine.RebindAccount(job.handle, job.kind, job.tid); err != nil {
			e.logger.Warnf("network change: account %d re-registration failed: %s", job.id, err)
			e.accounts.fail(job.handle, err)
		}
	}
	e.logger.Infof("network change handled: udp=%d tcp=%d tls=%d", ids.UDP, ids.TCP, ids.TLS)
	return rebindErr
}
