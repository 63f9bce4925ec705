package sipcore

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// CallID identifies a live call. Ids are never reused by the same Endpoint.
type CallID int

// Direction of a call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// CallState is the primary state of a call.
type CallState string

const (
	CallInitiating    CallState = "initiating"
	CallIncoming      CallState = "incoming"
	CallRinging       CallState = "ringing"
	CallConnecting    CallState = "connecting"
	CallConfirmed     CallState = "confirmed"
	CallHeld          CallState = "held"
	CallDisconnecting CallState = "disconnecting"
	CallTerminated    CallState = "terminated"
)

// Call FSM events.
const (
	callEventRing       = "ring"
	callEventConnect    = "connect"
	callEventConfirm    = "confirm"
	callEventHold       = "hold"
	callEventUnhold     = "unhold"
	callEventDisconnect = "disconnect"
	callEventTerminate  = "terminate"
)

func callStates(states ...CallState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func newCallFSM(initial CallState) *fsm.FSM {
	early := []CallState{CallInitiating, CallIncoming}
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: callEventRing, Src: callStates(early...), Dst: string(CallRinging)},
			{Name: callEventConnect, Src: callStates(CallInitiating, CallIncoming, CallRinging), Dst: string(CallConnecting)},
			{Name: callEventConfirm, Src: callStates(CallInitiating, CallIncoming, CallRinging, CallConnecting), Dst: string(CallConfirmed)},
			{Name: callEventHold, Src: callStates(CallConfirmed), Dst: string(CallHeld)},
			{Name: callEventUnhold, Src: callStates(CallHeld), Dst: string(CallConfirmed)},
			{Name: callEventDisconnect, Src: callStates(CallInitiating, CallIncoming, CallRinging, CallConnecting, CallConfirmed, CallHeld), Dst: string(CallDisconnecting)},
			{Name: callEventTerminate, Src: callStates(CallInitiating, CallIncoming, CallRinging, CallConnecting, CallConfirmed, CallHeld, CallDisconnecting), Dst: string(CallTerminated)},
		},
		nil,
	)
}

// TransferState is the progress of a call transfer.
type TransferState string

const (
	TransferNone      TransferState = "none"
	TransferRequested TransferState = "requested"
	TransferAccepted  TransferState = "accepted"
	TransferFailed    TransferState = "failed"
)

const (
	transferEventRequest = "request"
	transferEventAccept  = "accept"
	transferEventFail    = "fail"
)

// newTransferFSM builds the sub-state machine of one transfer. Accepted and failed are terminal.
func newTransferFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(TransferNone),
		fsm.Events{
			{Name: transferEventRequest, Src: []string{string(TransferNone)}, Dst: string(TransferRequested)},
			{Name: transferEventAccept, Src: []string{string(TransferRequested)}, Dst: string(TransferAccepted)},
			{Name: transferEventFail, Src: []string{string(TransferRequested)}, Dst: string(TransferFailed)},
		},
		nil,
	)
}

type transfer struct {
	target     string
	sm         *fsm.FSM
	statusCode int
	reason     string
}

func (t *transfer) state() TransferState { return TransferState(t.sm.Current()) }

func (t *transfer) final() bool {
	st := t.state()
	return st == TransferAccepted || st == TransferFailed
}

func (t *transfer) info() *TransferInfo {
	return &TransferInfo{
		Target:     t.target,
		State:      t.state(),
		StatusCode: t.statusCode,
		Reason:     t.reason,
		IsFinal:    t.final(),
	}
}

// TransferInfo is a snapshot of the transfer sub-state of a call.
type TransferInfo struct {
	Target     string        `json:"target"`
	State      TransferState `json:"state"`
	StatusCode int           `json:"statusCode,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	IsFinal    bool          `json:"isFinal"`
}

// CallInfo is a snapshot of a call.
type CallInfo struct {
	ID          CallID        `json:"id"`
	AccountID   AccountID     `json:"accountId"`
	Direction   Direction     `json:"direction"`
	State       CallState     `json:"state"`
	Held        bool          `json:"held"`
	Muted       bool          `json:"muted"`
	RemoteURI   string        `json:"remoteUri,omitempty"`
	RemoteName  string        `json:"remoteName,omitempty"`
	StatusCode  int           `json:"statusCode,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Transfer    *TransferInfo `json:"transfer,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	ConnectedAt time.Time     `json:"connectedAt,omitempty"`
	Handle      CallHandle    `json:"-"`
}

// ConnectDuration is how long the call has been (or was) confirmed.
func (c CallInfo) ConnectDuration(now time.Time) time.Duration {
	if c.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(c.ConnectedAt)
}

// call is the registry record. All fields are guarded by CallRegistry.mu.
type call struct {
	id        CallID
	accountID AccountID
	direction Direction
	handle    CallHandle
	sm        *fsm.FSM

	muted      bool
	remoteURI  string
	remoteName string
	statusCode int
	reason     string
	transfer   *transfer

	settings CallSettings
	msgData  MsgData

	createdAt   time.Time
	connectedAt time.Time

	seq uint64
}

func (c *call) state() CallState { return CallState(c.sm.Current()) }

func (c *call) fire(event string) bool {
	return c.sm.Event(context.Background(), event) == nil
}

func (c *call) info() CallInfo {
	ci := CallInfo{
		ID:          c.id,
		AccountID:   c.accountID,
		Direction:   c.direction,
		State:       c.state(),
		Held:        c.state() == CallHeld,
		Muted:       c.muted,
		RemoteURI:   c.remoteURI,
		RemoteName:  c.remoteName,
		StatusCode:  c.statusCode,
		Reason:      c.reason,
		CreatedAt:   c.createdAt,
		ConnectedAt: c.connectedAt,
		Handle:      c.handle,
	}
	if c.transfer != nil {
		ci.Transfer = c.transfer.info()
	}
	return ci
}

// callEventFor maps a call notification to a call FSM event.
func callEventFor(t NotificationType) (string, bool) {
	switch t {
	case NotifyCallRinging:
		return callEventRing, true
	case NotifyCallConnecting:
		return callEventConnect, true
	case NotifyCallConfirmed:
		return callEventConfirm, true
	case NotifyCallHeld:
		return callEventHold, true
	case NotifyCallResumed:
		return callEventUnhold, true
	case NotifyCallDisconnect:
		return callEventDisconnect, true
	case NotifyCallTerminated:
		return callEventTerminate, true
	}
	return "", false
}
