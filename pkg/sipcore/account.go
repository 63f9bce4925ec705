package sipcore

import (
	"context"

	"github.com/looplab/fsm"
)

// AccountID identifies an account for its whole lifetime.
type AccountID int

// AccountState is the registration state of an account.
type AccountState string

const (
	AccountCreated       AccountState = "created"
	AccountRegistering   AccountState = "registering"
	AccountRegistered    AccountState = "registered"
	AccountFailed        AccountState = "failed"
	AccountUnregistering AccountState = "unregistering"
	AccountUnregistered  AccountState = "unregistered"
	AccountDeleted       AccountState = "deleted"
)

// Registration FSM events.
const (
	regEventRegister   = "register"
	regEventOK         = "reg_ok"
	regEventFail       = "reg_fail"
	regEventUnregister = "unregister"
	regEventUnregOK    = "unreg_ok"
	regEventDelete     = "delete"
)

func newRegistrationFSM() *fsm.FSM {
	s := func(states ...AccountState) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}
	return fsm.NewFSM(
		string(AccountCreated),
		fsm.Events{
			{Name: regEventRegister, Src: s(AccountCreated, AccountFailed, AccountUnregistered, AccountRegistered), Dst: string(AccountRegistering)},
			{Name: regEventOK, Src: s(AccountRegistering), Dst: string(AccountRegistered)},
			{Name: regEventFail, Src: s(AccountRegistering, AccountRegistered, AccountUnregistering), Dst: string(AccountFailed)},
			{Name: regEventUnregister, Src: s(AccountRegistered, AccountRegistering), Dst: string(AccountUnregistering)},
			{Name: regEventUnregOK, Src: s(AccountUnregistering, AccountRegistered, AccountRegistering), Dst: string(AccountUnregistered)},
			{Name: regEventDelete, Src: s(AccountCreated, AccountRegistering, AccountRegistered, AccountFailed, AccountUnregistering, AccountUnregistered), Dst: string(AccountDeleted)},
		},
		nil,
	)
}

// AccountInfo is a snapshot of an account.
type AccountInfo struct {
	ID              AccountID     `json:"id"`
	URI             string        `json:"uri"`
	Registrar       string        `json:"registrar,omitempty"`
	Username        string        `json:"username,omitempty"`
	Transport       TransportKind `json:"transport"`
	State           AccountState  `json:"state"`
	StatusCode      int           `json:"statusCode,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	StunServers     []string      `json:"stunServers,omitempty"`
	PendingDeletion bool          `json:"pendingDeletion,omitempty"`
	Calls           int           `json:"calls"`
	Handle          AccountHandle `json:"-"`
}

// account is the registry record. All fields are guarded by AccountRegistry.mu.
type account struct {
	id        AccountID
	cfg       AccountConfig
	transport TransportKind
	handle    AccountHandle
	reg       *fsm.FSM

	statusCode int
	reason     string

	refs            int
	pendingDeletion bool
	released        bool

	seq uint64
}

func newAccount(id AccountID, cfg AccountConfig, kind TransportKind) *account {
	cfg.StunServers = append([]string(nil), cfg.StunServers...)
	return &account{
		id:        id,
		cfg:       cfg,
		transport: kind,
		reg:       newRegistrationFSM(),
	}
}

func (a *account) state() AccountState {
	return AccountState(a.reg.Current())
}

// fire runs a registration FSM event. It reports the state before the event and whether
// the state changed; events not allowed in the current state are ignored.
func (a *account) fire(event string) (AccountState, bool) {
	from := a.state()
	if err := a.reg.Event(context.Background(), event); err != nil {
		return from, false
	}
	return from, true
}

func (a *account) info() AccountInfo {
	return AccountInfo{
		ID:              a.id,
		URI:             a.cfg.URI,
		Registrar:       a.cfg.Registrar,
		Username:        a.cfg.Username,
		Transport:       a.transport,
		State:           a.state(),
		StatusCode:      a.statusCode,
		Reason:          a.reason,
		StunServers:     append([]string(nil), a.cfg.StunServers...),
		PendingDeletion: a.pendingDeletion,
		Calls:           a.refs,
		Handle:          a.handle,
	}
}

func (a *account) params(id TransportID) AccountParams {
	return AccountParams{
		URI:           a.cfg.URI,
		Registrar:     a.cfg.Registrar,
		Username:      a.cfg.Username,
		Password:      a.cfg.Password,
		Realm:         a.cfg.Realm,
		Proxy:         a.cfg.Proxy,
		ContactParams: a.cfg.ContactParams,
		RegTimeout:    a.cfg.RegTimeout,
		StunServers:   append([]string(nil), a.cfg.StunServers...),
		Transport:     a.transport,
		TransportID:   id,
	}
}

// regEventFor maps an account notification to a registration FSM event.
func regEventFor(t NotificationType) (string, bool) {
	switch t {
	case NotifyRegistering:
		return regEventRegister, true
	case NotifyRegistered:
		return regEventOK, true
	case NotifyRegisterFailed, NotifyRegExpired:
		return regEventFail, true
	case NotifyUnregistering:
		return regEventUnregister, true
	case NotifyUnregistered:
		return regEventUnregOK, true
	}
	return "", false
}
