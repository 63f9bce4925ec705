package sipcore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SIP status codes used when ending calls.
const (
	statusMovedTemporarily   = 302
	statusTemporarilyUnavail = 480
	statusDecline            = 603
)

const maxStashedPerCallHandle = 16

const idlePollInterval = 10 * time.Millisecond

const dtmfDigits = "0123456789*#ABCDabcd"

// CallRegistry owns the live calls and their state machines.
type CallRegistry struct {
	engine     Engine
	accounts   *AccountRegistry
	transports *TransportSupervisor
	media      *MediaController
	emitter    *emitter
	metrics    *metrics
	logger     Logger

	allowUnregistered bool

	mu       sync.Mutex
	nextID   CallID
	calls    map[CallID]*call
	byHandle map[CallHandle]*call
	// orphans holds notifications that arrived before Dial returned the handle.
	orphans map[CallHandle][]Notification
	retired *recentSet[CallHandle]
}

func newCallRegistry(engine Engine, accounts *AccountRegistry, transports *TransportSupervisor,
	media *MediaController, em *emitter, m *metrics, logger Logger) *CallRegistry {
	return &CallRegistry{
		engine:     engine,
		accounts:   accounts,
		transports: transports,
		media:      media,
		emitter:    em,
		metrics:    m,
		logger:     logger,
		nextID:     1,
		calls:      make(map[CallID]*call),
		byHandle:   make(map[CallHandle]*call),
		orphans:    make(map[CallHandle][]Notification),
		retired:    newRecentSet[CallHandle](maxRetiredHandles),
	}
}

// MakeCall places a call from the account to destination. The call is returned in the
// initiating state; later transitions arrive as events.
func (r *CallRegistry) MakeCall(accountID AccountID, destination string, settings CallSettings, msg MsgData) (CallInfo, error) {
	if err := validateSIPURI(destination); err != nil {
		return CallInfo{}, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	if err := settings.validate(); err != nil {
		return CallInfo{}, err
	}

	accHandle, kind, err := r.accounts.acquire(accountID, r.allowUnregistered)
	if err != nil {
		return CallInfo{}, err
	}
	if _, err := r.transports.Resolve(kind); err != nil {
		r.accounts.release(accountID)
		return CallInfo{}, err
	}

	route := r.media.Route()
	if err := r.engine.SetAudioRoute(route); err != nil {
		r.logger.Warnf("account %d: could not apply audio route %s before dialing: %s", accountID, route, err)
	}

	audio := settings.AudioCount
	if audio == 0 {
		audio = 1
	}
	handle, err := r.engine.Dial(accHandle, DialParams{
		Destination: destination,
		AudioRoute:  route,
		AudioCount:  audio,
		VideoCount:  settings.VideoCount,
		Headers:     msg.Headers,
		ContentType: msg.ContentType,
		Body:        msg.Body,
	})
	if err != nil {
		r.accounts.release(accountID)
		return CallInfo{}, fmt.Errorf("%w: dial %s: %w", ErrEngineFailure, destination, err)
	}

	r.mu.Lock()
	c := r.insertLocked(accountID, DirectionOutgoing, CallInitiating, handle)
	c.remoteURI = destination
	c.settings = settings
	c.msgData = msg
	info := c.info()
	done := r.replayLocked(c)
	r.mu.Unlock()

	r.logger.Infof("call %d: dialing %s from account %d", info.ID, destination, accountID)
	if done {
		r.finish(accountID, handle)
	}
	return info, nil
}

func (r *CallRegistry) insertLocked(accountID AccountID, dir Direction, initial CallState, h CallHandle) *call {
	id := r.nextID
	r.nextID++
	c := &call{
		id:        id,
		accountID: accountID,
		direction: dir,
		handle:    h,
		sm:        newCallFSM(initial),
		createdAt: time.Now(),
	}
	r.calls[id] = c
	r.byHandle[h] = c
	r.metrics.calls.Inc()
	r.metrics.callsTotal.WithLabelValues(string(dir)).Inc()
	return c
}

// replayLocked applies the notifications stashed for c's handle. It reports whether the
// call terminated.
func (r *CallRegistry) replayLocked(c *call) bool {
	stashed := r.orphans[c.handle]
	delete(r.orphans, c.handle)
	for _, n := range stashed {
		if r.applyLocked(c, n) {
			return true
		}
	}
	return false
}

// receive registers an incoming call announced by the engine.
func (r *CallRegistry) receive(n Notification) {
	accountID, err := r.accounts.acquireByHandle(n.Account)
	if err != nil {
		r.logger.Warnf("rejecting incoming call %q from %s: %s", n.Call, n.RemoteURI, err)
		r.mu.Lock()
		delete(r.orphans, n.Call)
		r.retired.add(n.Call)
		r.mu.Unlock()
		if err := r.engine.Hangup(n.Call, statusTemporarilyUnavail, ""); err != nil {
			r.logger.Warnf("failed to reject incoming call %q: %s", n.Call, err)
		}
		if err := r.engine.ReleaseCall(n.Call); err != nil {
			r.logger.Warnf("failed to release rejected call %q: %s", n.Call, err)
		}
		return
	}

	r.mu.Lock()
	if _, dup := r.byHandle[n.Call]; dup {
		r.mu.Unlock()
		r.accounts.release(accountID)
		return
	}
	c := r.insertLocked(accountID, DirectionIncoming, CallIncoming, n.Call)
	c.remoteURI = n.RemoteURI
	c.remoteName = n.RemoteName
	c.statusCode = n.StatusCode
	c.reason = n.Reason
	r.postLocked(c, EventCallReceived)
	done := r.replayLocked(c)
	id := c.id
	r.mu.Unlock()

	r.logger.Infof("call %d: incoming from %s on account %d", id, n.RemoteURI, accountID)
	if done {
		r.finish(accountID, n.Call)
	}
}

// apply feeds an engine notification to the call it belongs to.
func (r *CallRegistry) apply(n Notification) string {
	r.mu.Lock()
	c, ok := r.byHandle[n.Call]
	if !ok {
		outcome := outcomeIgnored
		if !r.retired.has(n.Call) && r.stashLocked(n) {
			outcome = outcomeStashed
		}
		r.mu.Unlock()
		return outcome
	}
	done := r.applyLocked(c, n)
	accountID := c.accountID
	r.mu.Unlock()

	if done {
		r.finish(accountID, n.Call)
	}
	return outcomeApplied
}

// finish releases the engine handle and the account reference of a terminated call.
// It runs once per call, without the registry lock.
func (r *CallRegistry) finish(accountID AccountID, h CallHandle) {
	if err := r.engine.ReleaseCall(h); err != nil {
		r.logger.Warnf("failed to release call handle %q: %s", h, err)
	}
	r.accounts.release(accountID)
}

func (r *CallRegistry) stashLocked(n Notification) bool {
	list, known := r.orphans[n.Call]
	if (!known && len(r.orphans) >= maxOrphanHandles) || len(list) >= maxStashedPerCallHandle {
		r.logger.Warnf("dropping %s notification for unknown call handle %q", n.Type, n.Call)
		return false
	}
	r.orphans[n.Call] = append(list, n)
	return true
}

// applyLocked runs one notification against c and posts the resulting events.
// It reports whether c reached the terminated state and was removed; the caller must then
// call finish once the lock is dropped.
func (r *CallRegistry) applyLocked(c *call, n Notification) bool {
	if n.RemoteURI != "" && n.Type != NotifyTransferStatus {
		c.remoteURI = n.RemoteURI
	}
	if n.RemoteName != "" {
		c.remoteName = n.RemoteName
	}

	switch n.Type {
	case NotifyTransferStatus:
		r.transferProgressLocked(c, n)
		return false
	case NotifyCallMediaChanged:
		if c.muted != n.Muted {
			c.muted = n.Muted
			r.postLocked(c, EventCallChanged)
		}
		return false
	case NotifyCallIncoming:
		return false
	}

	event, ok := callEventFor(n.Type)
	if !ok {
		r.logger.Debugf("call %d: ignoring %s notification", c.id, n.Type)
		return false
	}
	before := c.state()
	if !c.fire(event) {
		r.logger.Debugf("call %d: %s ignored in state %s", c.id, n.Type, before)
		return false
	}
	if n.StatusCode != 0 || n.Reason != "" {
		c.statusCode = n.StatusCode
		c.reason = n.Reason
	}

	switch c.state() {
	case CallConfirmed:
		if c.connectedAt.IsZero() {
			c.connectedAt = time.Now()
		}
	case CallTerminated:
		r.terminateLocked(c)
		return true
	}

	r.postLocked(c, EventCallUpdated)
	if before == CallHeld || c.state() == CallHeld {
		r.postLocked(c, EventCallChanged)
	}
	return false
}

// terminateLocked emits call-terminated and forgets the call.
func (r *CallRegistry) terminateLocked(c *call) {
	r.postLocked(c, EventCallTerminated)
	delete(r.calls, c.id)
	delete(r.byHandle, c.handle)
	delete(r.orphans, c.handle)
	r.retired.add(c.handle)
	r.metrics.calls.Dec()
	r.logger.Infof("call %d terminated (%d %s)", c.id, c.statusCode, c.reason)
}

func (r *CallRegistry) transferProgressLocked(c *call, n Notification) {
	if t := c.transfer; t != nil && t.final() && !n.Final && (n.RemoteURI == "" || n.RemoteURI == t.target) {
		r.logger.Debugf("call %d: late transfer progress %d %s ignored", c.id, n.StatusCode, n.Reason)
		return
	}
	if c.transfer == nil || c.transfer.final() {
		t := &transfer{target: n.RemoteURI, sm: newTransferFSM()}
		_ = t.sm.Event(context.Background(), transferEventRequest)
		c.transfer = t
	}
	t := c.transfer
	t.statusCode = n.StatusCode
	t.reason = n.Reason
	if n.Final {
		event := transferEventFail
		if n.StatusCode >= 200 && n.StatusCode < 300 {
			event = transferEventAccept
		}
		_ = t.sm.Event(context.Background(), event)
	}
	r.postLocked(c, EventCallTransferStatus)
}

func (r *CallRegistry) postLocked(c *call, kind EventKind) {
	c.seq++
	info := c.info()
	r.emitter.post(Event{Kind: kind, Seq: c.seq, Call: &info})
}

// Find returns a snapshot of the call.
func (r *CallRegistry) Find(id CallID) (CallInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return CallInfo{}, fmt.Errorf("%w: call %d", ErrNotFound, id)
	}
	return c.info(), nil
}

// List returns snapshots of all live calls, sorted by id.
func (r *CallRegistry) List() []CallInfo {
	r.mu.Lock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// handleIn returns the engine handle of call id if its state is one of allowed.
func (r *CallRegistry) handleIn(id CallID, op string, allowed ...CallState) (CallHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return "", fmt.Errorf("%w: call %d", ErrNotFound, id)
	}
	st := c.state()
	if len(allowed) > 0 {
		for _, a := range allowed {
			if st == a {
				return c.handle, nil
			}
		}
		return "", fmt.Errorf("%w: cannot %s call %d while %s", ErrInvalidStateTransition, op, id, st)
	}
	return c.handle, nil
}

func engineErr(op string, id CallID, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s call %d: %w", ErrEngineFailure, op, id, err)
}

// Answer accepts an incoming call.
func (r *CallRegistry) Answer(id CallID) error {
	h, err := r.handleIn(id, "answer", CallIncoming, CallRinging)
	if err != nil {
		return err
	}
	return engineErr("answer", id, r.engine.Answer(h))
}

// Hangup ends the call in any non terminal state.
func (r *CallRegistry) Hangup(id CallID) error {
	h, err := r.handleIn(id, "hang up")
	if err != nil {
		return err
	}
	return engineErr("hang up", id, r.engine.Hangup(h, 0, ""))
}

// Decline rejects an incoming call with 603 Decline.
func (r *CallRegistry) Decline(id CallID) error {
	h, err := r.handleIn(id, "decline", CallIncoming, CallRinging)
	if err != nil {
		return err
	}
	return engineErr("decline", id, r.engine.Hangup(h, statusDecline, ""))
}

// Redirect rejects an incoming call with 302 pointing the caller to target.
func (r *CallRegistry) Redirect(id CallID, target string) error {
	if err := validateSIPURI(target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	h, err := r.handleIn(id, "redirect", CallIncoming, CallRinging)
	if err != nil {
		return err
	}
	return engineErr("redirect", id, r.engine.Hangup(h, statusMovedTemporarily, target))
}

// Hold puts a confirmed call on hold.
func (r *CallRegistry) Hold(id CallID) error {
	h, err := r.handleIn(id, "hold", CallConfirmed)
	if err != nil {
		return err
	}
	return engineErr("hold", id, r.engine.Hold(h))
}

// Unhold resumes a held call.
func (r *CallRegistry) Unhold(id CallID) error {
	h, err := r.handleIn(id, "unhold", CallHeld)
	if err != nil {
		return err
	}
	return engineErr("unhold", id, r.engine.Unhold(h))
}

// SetMute mutes or unmutes the local audio of a call.
func (r *CallRegistry) SetMute(id CallID, muted bool) error {
	h, err := r.handleIn(id, "mute", CallConfirmed, CallHeld)
	if err != nil {
		return err
	}
	if err := r.engine.SetMute(h, muted); err != nil {
		return engineErr("mute", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[id]; ok && c.muted != muted {
		c.muted = muted
		r.postLocked(c, EventCallChanged)
	}
	return nil
}

// Transfer asks the peer of a confirmed call to call target (blind transfer).
// Progress is reported by call-transfer-status events.
func (r *CallRegistry) Transfer(id CallID, target string) error {
	if err := validateSIPURI(target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}

	r.mu.Lock()
	c, ok := r.calls[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: call %d", ErrNotFound, id)
	}
	if st := c.state(); st != CallConfirmed && st != CallHeld {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot transfer call %d while %s", ErrInvalidStateTransition, id, st)
	}
	if c.transfer != nil && !c.transfer.final() {
		r.mu.Unlock()
		return fmt.Errorf("%w: call %d already has a transfer in progress", ErrInvalidStateTransition, id)
	}
	t := &transfer{target: target, sm: newTransferFSM()}
	_ = t.sm.Event(context.Background(), transferEventRequest)
	c.transfer = t
	r.postLocked(c, EventCallTransferStatus)
	h := c.handle
	r.mu.Unlock()

	if err := r.engine.Transfer(h, target); err != nil {
		r.logger.Warnf("call %d: transfer to %s rejected by engine: %s", id, target, err)
		r.mu.Lock()
		if c, ok := r.calls[id]; ok && c.transfer == t && !t.final() {
			t.reason = err.Error()
			_ = t.sm.Event(context.Background(), transferEventFail)
			r.postLocked(c, EventCallTransferStatus)
		}
		r.mu.Unlock()
	}
	return nil
}

// SendDTMF sends digits on a confirmed call.
func (r *CallRegistry) SendDTMF(id CallID, digits string) error {
	if digits == "" || strings.Trim(digits, dtmfDigits) != "" {
		return fmt.Errorf("%w: invalid dtmf digits %q", ErrConfiguration, digits)
	}
	h, err := r.handleIn(id, "send dtmf on", CallConfirmed)
	if err != nil {
		return err
	}
	return engineErr("send dtmf on", id, r.engine.SendDTMF(h, digits))
}

// awaitIdle waits until no call is left, or until timeout. It reports whether every call
// terminated.
func (r *CallRegistry) awaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		n := len(r.calls)
		r.mu.Unlock()
		if n == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(idlePollInterval)
	}
}

// terminateAll terminates the calls the engine did not end, in id order. Used at shutdown.
func (r *CallRegistry) terminateAll(reason string) {
	type ended struct {
		accountID AccountID
		handle    CallHandle
	}

	r.mu.Lock()
	ids := make([]CallID, 0, len(r.calls))
	for id := range r.calls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []ended
	for _, id := range ids {
		c := r.calls[id]
		if !c.fire(callEventTerminate) {
			continue
		}
		c.reason = reason
		r.terminateLocked(c)
		out = append(out, ended{c.accountID, c.handle})
	}
	r.mu.Unlock()

	for _, x := range out {
		r.finish(x.accountID, x.handle)
	}
}

// hangupAll asks the engine to end every live call. Used at shutdown.
func (r *CallRegistry) hangupAll() {
	r.mu.Lock()
	handles := make(map[CallID]CallHandle, len(r.calls))
	for id, c := range r.calls {
		handles[id] = c.handle
	}
	r.mu.Unlock()

	for id, h := range handles {
		if err := r.engine.Hangup(h, 0, ""); err != nil {
			r.logger.Warnf("call %d: hangup at shutdown failed: %s", id, err)
		}
	}
}
