package baresip

import (
	"github.com/f18m/go-sipendpoint/pkg/sipcore"
)

// ctrl_tcp event types handled by translate.
const (
	eventRegistering      = "REGISTERING"
	eventRegisterOK       = "REGISTER_OK"
	eventRegisterFail     = "REGISTER_FAIL"
	eventUnregistering    = "UNREGISTERING"
	eventCallIncoming     = "CALL_INCOMING"
	eventCallOutgoing     = "CALL_OUTGOING"
	eventCallRinging      = "CALL_RINGING"
	eventCallProgress     = "CALL_PROGRESS"
	eventCallAnswered     = "CALL_ANSWERED"
	eventCallEstablished  = "CALL_ESTABLISHED"
	eventCallHold         = "CALL_HOLD"
	eventCallResume       = "CALL_RESUME"
	eventCallTransferFail = "CALL_TRANSFER_FAILED"
	eventCallClosed       = "CALL_CLOSED"
)

// translate turns a ctrl_tcp event into engine notifications and keeps the call id
// mapping up to date. Events about unknown calls or uninteresting types yield nothing.
func (b *Baresip) translate(ev EventMsg) []sipcore.Notification {
	switch ev.Type {
	case eventRegistering, eventRegisterOK, eventRegisterFail, eventUnregistering:
		return b.translateRegister(ev)
	case eventCallIncoming:
		return b.translateIncoming(ev)
	case eventCallOutgoing:
		b.bindOutgoing(ev)
		return nil
	}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	h, ok := b.callHandles[ev.ID]
	if !ok {
		b.logger.Debugf("%s for unknown call %q ignored", ev.Type, ev.ID)
		return nil
	}
	n := sipcore.Notification{Entity: sipcore.EntityCall, Call: h}

	switch ev.Type {
	case eventCallRinging:
		n.Type, n.StatusCode = sipcore.NotifyCallRinging, 180
	case eventCallProgress:
		n.Type, n.StatusCode = sipcore.NotifyCallRinging, 183
	case eventCallAnswered:
		n.Type = sipcore.NotifyCallConnecting
	case eventCallEstablished:
		n.Type, n.StatusCode = sipcore.NotifyCallConfirmed, 200
		n.RemoteURI, n.RemoteName = ev.PeerURI, ev.PeerDisplayname
	case eventCallHold:
		n.Type = sipcore.NotifyCallHeld
	case eventCallResume:
		n.Type = sipcore.NotifyCallResumed
	case eventCallTransferFail:
		if _, ok := b.transferring[h]; !ok {
			return nil
		}
		delete(b.transferring, h)
		n.Type, n.Final = sipcore.NotifyTransferStatus, true
		n.StatusCode, n.Reason = parseStatus(ev.Param)
		if n.StatusCode == 0 {
			n.StatusCode = 500
		}
	case eventCallClosed:
		return b.closeCallLocked(h, ev)
	default:
		return nil
	}
	return []sipcore.Notification{n}
}

func (b *Baresip) translateRegister(ev EventMsg) []sipcore.Notification {
	h := sipcore.AccountHandle(aor(ev.AccountAOR))

	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if _, ok := b.accounts[h]; !ok {
		b.logger.Debugf("%s for unknown account %q ignored", ev.Type, h)
		return nil
	}
	n := sipcore.Notification{Entity: sipcore.EntityAccount, Account: h}

	switch ev.Type {
	case eventRegistering:
		n.Type = sipcore.NotifyRegistering
	case eventUnregistering:
		b.unregistering[h] = true
		n.Type = sipcore.NotifyUnregistering
	case eventRegisterOK:
		// baresip reports a completed unregistration as REGISTER_OK
		if b.unregistering[h] {
			delete(b.unregistering, h)
			n.Type = sipcore.NotifyUnregistered
		} else {
			n.Type, n.StatusCode = sipcore.NotifyRegistered, 200
		}
	case eventRegisterFail:
		delete(b.unregistering, h)
		n.Type = sipcore.NotifyRegisterFailed
		n.StatusCode, n.Reason = parseStatus(ev.Param)
	}
	return []sipcore.Notification{n}
}

func (b *Baresip) translateIncoming(ev EventMsg) []sipcore.Notification {
	h := sipcore.CallHandle(ev.ID)

	b.stateMu.Lock()
	b.callHandles[ev.ID] = h
	b.callIDs[h] = ev.ID
	b.stateMu.Unlock()

	return []sipcore.Notification{{
		Entity:     sipcore.EntityCall,
		Type:       sipcore.NotifyCallIncoming,
		Account:    sipcore.AccountHandle(aor(ev.AccountAOR)),
		Call:       h,
		RemoteURI:  ev.PeerURI,
		RemoteName: ev.PeerDisplayname,
	}}
}

// bindOutgoing maps the baresip id of a dialed call to the handle returned by Dial.
// Dials of the same account are matched in order.
func (b *Baresip) bindOutgoing(ev EventMsg) {
	acc := sipcore.AccountHandle(aor(ev.AccountAOR))

	b.stateMu.Lock()
	var oc *outgoingCall
	for _, o := range b.outgoing {
		if o.account == acc {
			oc = o
			break
		}
	}
	if oc == nil {
		b.stateMu.Unlock()
		b.logger.Warnf("outgoing call %q was not dialed by this engine, ignored", ev.ID)
		return
	}
	b.removeOutgoingLocked(oc)
	if !oc.released {
		b.callHandles[ev.ID] = oc.handle
		b.callIDs[oc.handle] = ev.ID
	}
	b.stateMu.Unlock()

	if oc.hangup {
		// requested before the id was known; the response is not awaited since this
		// runs on the ctrl_tcp reader
		if err := b.Cmd("hangup", ev.ID, ""); err != nil {
			b.logger.Warnf("deferred hangup of %q: %s", ev.ID, err)
		}
	}
}

func (b *Baresip) closeCallLocked(h sipcore.CallHandle, ev EventMsg) []sipcore.Notification {
	var out []sipcore.Notification
	if _, ok := b.transferring[h]; ok {
		out = append(out, sipcore.Notification{
			Entity: sipcore.EntityCall, Type: sipcore.NotifyTransferStatus, Call: h,
			StatusCode: 200, Reason: "OK", Final: true,
		})
	}

	term := sipcore.Notification{Entity: sipcore.EntityCall, Type: sipcore.NotifyCallTerminated, Call: h}
	term.StatusCode, term.Reason = parseStatus(ev.Param)
	out = append(out, term)

	// the baresip id is dead; the handle stays mapped until ReleaseCall
	delete(b.callHandles, ev.ID)
	delete(b.transferring, h)
	return out
}
