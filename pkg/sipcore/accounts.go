package sipcore

import (
	"fmt"
	"sort"
	"sync"
)

// maxOrphanHandles bounds the number of unknown handles notifications are kept for.
const maxOrphanHandles = 64

// Outcomes of an engine notification, used as metric label.
const (
	outcomeApplied = "applied"
	outcomeStashed = "stashed"
	outcomeIgnored = "ignored"
)

// AccountRegistry owns the live accounts and their registration state machines.
type AccountRegistry struct {
	engine  Engine
	emitter *emitter
	metrics *metrics
	logger  Logger

	mu       sync.Mutex
	nextID   AccountID
	accounts map[AccountID]*account
	byHandle map[AccountHandle]*account
	// orphans holds notifications that arrived before CreateAccount recorded the handle.
	orphans map[AccountHandle][]Notification
	retired *recentSet[AccountHandle]
}

func newAccountRegistry(engine Engine, em *emitter, m *metrics, logger Logger) *AccountRegistry {
	return &AccountRegistry{
		engine:   engine,
		emitter:  em,
		metrics:  m,
		logger:   logger,
		nextID:   1,
		accounts: make(map[AccountID]*account),
		byHandle: make(map[AccountHandle]*account),
		orphans:  make(map[AccountHandle][]Notification),
		retired:  newRecentSet[AccountHandle](maxRetiredHandles),
	}
}

// Create validates cfg, builds the engine account bound to one of the given transports and
// starts its registration. The account is returned in the registering state; the outcome
// arrives as a registration-changed event.
func (r *AccountRegistry) Create(cfg AccountConfig, transports TransportIDs) (AccountInfo, error) {
	if err := cfg.validate(); err != nil {
		return AccountInfo{}, err
	}
	kind, tid, err := pickTransport(cfg.Transport, transports)
	if err != nil {
		return AccountInfo{}, err
	}

	r.mu.Lock()
	id, err := r.reserveIDLocked(cfg)
	if err != nil {
		r.mu.Unlock()
		return AccountInfo{}, err
	}
	a := newAccount(id, cfg, kind)
	r.accounts[id] = a
	r.metrics.accountState("", AccountCreated)
	params := a.params(tid)
	r.mu.Unlock()

	handle, err := r.engine.CreateAccount(params)
	if err != nil {
		r.mu.Lock()
		delete(r.accounts, id)
		r.metrics.accountState(AccountCreated, "")
		r.mu.Unlock()
		return AccountInfo{}, fmt.Errorf("%w: create account %s: %w", ErrEngineFailure, cfg.URI, err)
	}

	r.mu.Lock()
	a.handle = handle
	r.byHandle[handle] = a
	r.transitionLocked(a, regEventRegister, 0, "")
	stashed := r.orphans[handle]
	delete(r.orphans, handle)
	for _, n := range stashed {
		r.applyLocked(a, n)
	}
	r.mu.Unlock()

	r.logger.Infof("account %d (%s) created on %s transport %d", id, cfg.URI, kind, tid)

	if err := r.engine.RegisterAccount(handle); err != nil {
		r.logger.Warnf("account %d: register request failed: %s", id, err)
		r.fail(handle, err)
	}

	info, _ := r.Find(id)
	return info, nil
}

func pickTransport(kind TransportKind, ids TransportIDs) (TransportKind, TransportID, error) {
	if kind != "" {
		id := ids.Get(kind)
		if id == TransportUnbound {
			return "", TransportUnbound, fmt.Errorf("%w: %s", ErrTransportUnavailable, kind)
		}
		return kind, id, nil
	}
	for _, k := range transportKinds {
		if id := ids.Get(k); id != TransportUnbound {
			return k, id, nil
		}
	}
	return "", TransportUnbound, fmt.Errorf("%w: no transport bound", ErrTransportUnavailable)
}

func (r *AccountRegistry) reserveIDLocked(cfg AccountConfig) (AccountID, error) {
	for _, a := range r.accounts {
		if a.cfg.URI == cfg.URI {
			return 0, fmt.Errorf("%w: %s is account %d", ErrDuplicateIdentity, cfg.URI, a.id)
		}
	}
	if cfg.ID != 0 {
		if _, ok := r.accounts[cfg.ID]; ok {
			return 0, fmt.Errorf("%w: account id %d in use", ErrDuplicateIdentity, cfg.ID)
		}
		if cfg.ID >= r.nextID {
			r.nextID = cfg.ID + 1
		}
		return cfg.ID, nil
	}
	for {
		id := r.nextID
		r.nextID++
		if _, ok := r.accounts[id]; !ok {
			return id, nil
		}
	}
}

// Delete removes the account. If calls still reference it, the account is only marked
// pending-deletion and is released when its last call terminates.
func (r *AccountRegistry) Delete(id AccountID) error {
	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	if a.handle == "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: account %d is being created", ErrInvalidStateTransition, id)
	}
	if a.pendingDeletion {
		r.mu.Unlock()
		return nil
	}
	if a.refs > 0 {
		a.pendingDeletion = true
		r.postLocked(a)
		refs := a.refs
		r.mu.Unlock()
		r.logger.Infof("account %d: deletion deferred until %d call(s) terminate", id, refs)
		return nil
	}
	handle := r.removeLocked(a)
	r.mu.Unlock()

	r.releaseHandle(id, handle)
	return nil
}

// removeLocked moves a to the deleted state and forgets it. It returns the handle to
// release, which is empty if it was already released.
func (r *AccountRegistry) removeLocked(a *account) AccountHandle {
	r.transitionLocked(a, regEventDelete, 0, "")
	delete(r.accounts, a.id)
	delete(r.byHandle, a.handle)
	r.retired.add(a.handle)
	if a.released {
		return ""
	}
	a.released = true
	return a.handle
}

func (r *AccountRegistry) releaseHandle(id AccountID, h AccountHandle) {
	if h == "" {
		return
	}
	if err := r.engine.UnregisterAccount(h); err != nil {
		r.logger.Warnf("account %d: unregister on delete failed: %s", id, err)
	}
	if err := r.engine.ReleaseAccount(h); err != nil {
		r.logger.Warnf("account %d: release failed: %s", id, err)
	}
	r.logger.Infof("account %d deleted", id)
}

// Register renews the registration of the account, or unregisters it when renew is false.
func (r *AccountRegistry) Register(id AccountID, renew bool) error {
	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	if a.pendingDeletion || a.handle == "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: account %d cannot change registration now", ErrInvalidStateTransition, id)
	}
	event := regEventUnregister
	if renew {
		event = regEventRegister
	}
	if !a.reg.Can(event) {
		state := a.state()
		r.mu.Unlock()
		return fmt.Errorf("%w: account %d: %s while %s", ErrInvalidStateTransition, id, event, state)
	}
	r.transitionLocked(a, event, 0, "")
	handle := a.handle
	r.mu.Unlock()

	var err error
	if renew {
		err = r.engine.RegisterAccount(handle)
	} else {
		err = r.engine.UnregisterAccount(handle)
	}
	if err != nil {
		r.logger.Warnf("account %d: %s request failed: %s", id, event, err)
		r.fail(handle, err)
	}
	return nil
}

// UpdateStunServers stores the new STUN list and hands it to the engine.
// It is used from the next registration refresh on.
func (r *AccountRegistry) UpdateStunServers(id AccountID, servers []string) error {
	if err := validateStunServers(servers); err != nil {
		return err
	}
	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	a.cfg.StunServers = append([]string(nil), servers...)
	handle := a.handle
	r.mu.Unlock()

	if handle == "" {
		return nil
	}
	if err := r.engine.SetStunServers(handle, servers); err != nil {
		return fmt.Errorf("%w: account %d stun servers: %w", ErrEngineFailure, id, err)
	}
	return nil
}

// Find returns a snapshot of the account.
func (r *AccountRegistry) Find(id AccountID) (AccountInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return AccountInfo{}, fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	return a.info(), nil
}

// List returns snapshots of all live accounts, sorted by id.
func (r *AccountRegistry) List() []AccountInfo {
	r.mu.Lock()
	out := make([]AccountInfo, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// acquire takes a call reference on the account for an outgoing call.
func (r *AccountRegistry) acquire(id AccountID, allowUnregistered bool) (AccountHandle, TransportKind, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return "", "", fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	if a.pendingDeletion {
		return "", "", fmt.Errorf("%w: account %d", ErrAccountPendingDeletion, id)
	}
	if a.handle == "" {
		return "", "", fmt.Errorf("%w: account %d is being created", ErrInvalidStateTransition, id)
	}
	if a.state() != AccountRegistered && !allowUnregistered {
		return "", "", fmt.Errorf("%w: account %d is %s", ErrAccountNotRegistered, id, a.state())
	}
	a.refs++
	return a.handle, a.transport, nil
}

// acquireByHandle takes a call reference for an incoming call received on h.
func (r *AccountRegistry) acquireByHandle(h AccountHandle) (AccountID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byHandle[h]
	if !ok {
		return 0, fmt.Errorf("%w: account handle %q", ErrNotFound, h)
	}
	if a.pendingDeletion {
		return 0, fmt.Errorf("%w: account %d", ErrAccountPendingDeletion, a.id)
	}
	a.refs++
	return a.id, nil
}

// release drops a call reference and completes a deferred deletion on the last one.
func (r *AccountRegistry) release(id AccountID) {
	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if a.refs > 0 {
		a.refs--
	}
	var handle AccountHandle
	if a.refs == 0 && a.pendingDeletion {
		handle = r.removeLocked(a)
	}
	r.mu.Unlock()

	r.releaseHandle(id, handle)
}

// apply feeds an engine notification to the registration state machine.
func (r *AccountRegistry) apply(n Notification) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byHandle[n.Account]
	if !ok {
		if r.retired.has(n.Account) {
			return outcomeIgnored
		}
		if r.stashLocked(n) {
			return outcomeStashed
		}
		return outcomeIgnored
	}
	r.applyLocked(a, n)
	return outcomeApplied
}

func (r *AccountRegistry) applyLocked(a *account, n Notification) {
	event, ok := regEventFor(n.Type)
	if !ok {
		r.logger.Debugf("account %d: ignoring %s notification", a.id, n.Type)
		return
	}
	reason := n.Reason
	if n.Type == NotifyRegExpired && reason == "" {
		reason = "registration expired"
	}
	if !r.transitionLocked(a, event, n.StatusCode, reason) {
		r.logger.Debugf("account %d: %s ignored in state %s", a.id, n.Type, a.state())
	}
}

func (r *AccountRegistry) stashLocked(n Notification) bool {
	if _, ok := r.orphans[n.Account]; !ok && len(r.orphans) >= maxOrphanHandles {
		r.logger.Warnf("dropping %s notification for unknown account handle %q", n.Type, n.Account)
		return false
	}
	r.orphans[n.Account] = append(r.orphans[n.Account], n)
	return true
}

// transitionLocked fires event and, if the state changed, records the status and posts
// a registration-changed event.
func (r *AccountRegistry) transitionLocked(a *account, event string, code int, reason string) bool {
	from, changed := a.fire(event)
	if !changed {
		return false
	}
	a.statusCode = code
	a.reason = reason
	r.metrics.accountState(from, a.state())
	r.postLocked(a)
	return true
}

func (r *AccountRegistry) postLocked(a *account) {
	a.seq++
	info := a.info()
	r.emitter.post(Event{Kind: EventRegistrationChanged, Seq: a.seq, Account: &info})
}

// fail moves the account to failed after a rejected engine request.
func (r *AccountRegistry) fail(h AccountHandle, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byHandle[h]; ok {
		r.transitionLocked(a, regEventFail, 0, cause.Error())
	}
}

type rebindJob struct {
	id     AccountID
	handle AccountHandle
	kind   TransportKind
	tid    TransportID
}

// beginReregistration moves every registered or registering account back to registering
// and returns the engine requests that rebind them to the new transports. Accounts whose
// transport kind is no longer bound fail.
func (r *AccountRegistry) beginReregistration(ids TransportIDs) []rebindJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []rebindJob
	for _, a := range r.accounts {
		if a.pendingDeletion || a.handle == "" {
			continue
		}
		st := a.state()
		if st != AccountRegistered && st != AccountRegistering {
			continue
		}
		tid := ids.Get(a.transport)
		if tid == TransportUnbound {
			r.transitionLocked(a, regEventFail, 0, fmt.Sprintf("%s transport unavailable after network change", a.transport))
			continue
		}
		r.transitionLocked(a, regEventRegister, 0, "")
		jobs = append(jobs, rebindJob{id: a.id, handle: a.handle, kind: a.transport, tid: tid})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].id < jobs[j].id })
	return jobs
}

// releaseAll deletes every account regardless of references. Used at shutdown.
func (r *AccountRegistry) releaseAll() {
	r.mu.Lock()
	type victim struct {
		id     AccountID
		handle AccountHandle
	}
	var victims []victim
	for _, a := range r.accounts {
		if a.handle == "" {
			continue
		}
		victims = append(victims, victim{id: a.id, handle: r.removeLocked(a)})
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.releaseHandle(v.id, v.handle)
	}
}
