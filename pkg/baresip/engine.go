package baresip

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/f18m/go-sipendpoint/pkg/sipcore"
)

const defaultRegInterval = 3600

// userAgent is what the engine remembers of a baresip User-Agent.
type userAgent struct {
	params sipcore.AccountParams
}

// outgoingCall is a dialed call baresip has not assigned an id to yet.
type outgoingCall struct {
	account sipcore.AccountHandle
	handle  sipcore.CallHandle
	// hangup is set if the call was hung up before baresip reported it
	hangup bool
	// released is set if the handle was released before baresip reported the call
	released bool
}

// aor strips the angle brackets of a SIP URI: baresip reports User-Agents by bare AOR.
func aor(uri string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(uri), "<"), ">")
}

func (b *Baresip) regInterval(h sipcore.AccountHandle) int {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if ua, ok := b.accounts[h]; ok && ua.params.RegTimeout > 0 {
		return ua.params.RegTimeout
	}
	return defaultRegInterval
}

// accountLine builds the uanew argument, in the baresip accounts file syntax.
func (b *Baresip) accountLine(p sipcore.AccountParams) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s", aor(p.URI))
	if p.Transport != "" {
		fmt.Fprintf(&sb, ";transport=%s", p.Transport)
	}
	sb.WriteString(">")
	if p.Username != "" {
		fmt.Fprintf(&sb, ";auth_user=%s", p.Username)
	}
	if p.Password != "" {
		fmt.Fprintf(&sb, ";auth_pass=%s", p.Password)
	}
	outbound := p.Proxy
	if outbound == "" {
		outbound = p.Registrar
	}
	if outbound != "" {
		fmt.Fprintf(&sb, ";outbound=\"%s\"", aor(outbound))
	}
	regint := p.RegTimeout
	if regint <= 0 {
		regint = defaultRegInterval
	}
	fmt.Fprintf(&sb, ";regint=%d", regint)
	if len(p.StunServers) > 0 {
		fmt.Fprintf(&sb, ";medianat=stun;stunserver=\"stun:%s\"", p.StunServers[0])
	}
	if codecs := b.codecOrder(); len(codecs) > 0 {
		fmt.Fprintf(&sb, ";audio_codecs=%s", strings.Join(codecs, ","))
	}
	if p.ContactParams != "" {
		sb.WriteString(";" + strings.TrimPrefix(p.ContactParams, ";"))
	}
	return sb.String()
}

// codecOrder returns the enabled codecs by decreasing priority.
func (b *Baresip) codecOrder() []string {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	var out []string
	for c, prio := range b.codecPriority {
		if prio > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := b.codecPriority[out[i]], b.codecPriority[out[j]]
		if pi != pj {
			return pi > pj
		}
		return out[i] < out[j]
	})
	return out
}

// ---- transports ----

// CreateTransport enables the transport kind in baresip. The port and TLS settings come
// from the baresip configuration file, not from cfg.
func (b *Baresip) CreateTransport(kind sipcore.TransportKind, cfg sipcore.TransportKindConfig) (sipcore.TransportID, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if err := b.CmdEntransp(string(kind), true); err != nil {
		return sipcore.TransportUnbound, err
	}
	if cfg.Port != 0 {
		b.logger.Debugf("%s port %d ignored: baresip binds the ports of its configuration file", kind, cfg.Port)
	}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	id := b.nextTransport
	b.nextTransport++
	b.transports[id] = kind
	return id, nil
}

func (b *Baresip) DestroyTransport(id sipcore.TransportID) error {
	b.stateMu.Lock()
	kind, ok := b.transports[id]
	delete(b.transports, id)
	b.stateMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transport %d", id)
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.CmdEntransp(string(kind), false)
}

// ---- accounts ----

func (b *Baresip) CreateAccount(params sipcore.AccountParams) (sipcore.AccountHandle, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if err := b.CmdUanew(b.accountLine(params)); err != nil {
		return "", err
	}

	h := sipcore.AccountHandle(aor(params.URI))
	b.stateMu.Lock()
	b.accounts[h] = &userAgent{params: params}
	b.stateMu.Unlock()
	return h, nil
}

// withUA makes h the current User-Agent and runs fn. It must be called with opMu held.
func (b *Baresip) withUA(h sipcore.AccountHandle, fn func() error) error {
	if err := b.CmdUafind(string(h)); err != nil {
		return err
	}
	return fn()
}

func (b *Baresip) RegisterAccount(h sipcore.AccountHandle) error {
	regint := b.regInterval(h)
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.withUA(h, func() error { return b.CmdUareg(regint) })
}

func (b *Baresip) UnregisterAccount(h sipcore.AccountHandle) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.withUA(h, func() error { return b.CmdUareg(0) })
}

func (b *Baresip) ReleaseAccount(h sipcore.AccountHandle) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if err := b.CmdUadel(string(h)); err != nil {
		return err
	}
	b.stateMu.Lock()
	delete(b.accounts, h)
	delete(b.unregistering, h)
	b.stateMu.Unlock()
	return nil
}

// SetStunServers records the servers. Baresip reads them from the account line, so they
// are used when the User-Agent is created again.
func (b *Baresip) SetStunServers(h sipcore.AccountHandle, servers []string) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	ua, ok := b.accounts[h]
	if !ok {
		return fmt.Errorf("unknown account %q", h)
	}
	ua.params.StunServers = append([]string(nil), servers...)
	return nil
}

// RebindAccount informs baresip of the network change and re-registers the User-Agent.
func (b *Baresip) RebindAccount(h sipcore.AccountHandle, kind sipcore.TransportKind, id sipcore.TransportID) error {
	regint := b.regInterval(h)

	b.stateMu.Lock()
	ua, ok := b.accounts[h]
	if ok {
		ua.params.Transport = kind
		ua.params.TransportID = id
	}
	b.stateMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown account %q", h)
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()
	if err := b.CmdNetchange(); err != nil {
		b.logger.Warnf("netchange: %s", err)
	}
	return b.withUA(h, func() error { return b.CmdUareg(regint) })
}

// ---- calls ----

// Dial returns a provisional handle: baresip reports the call id asynchronously with the
// CALL_OUTGOING event, which binds it to the handle.
func (b *Baresip) Dial(h sipcore.AccountHandle, params sipcore.DialParams) (sipcore.CallHandle, error) {
	if len(params.Headers) > 0 || params.Body != "" {
		b.logger.Debugf("custom headers and body are not supported by baresip dial, ignored")
	}
	oc := &outgoingCall{account: h, handle: sipcore.CallHandle("out-" + uuid.NewString())}

	b.opMu.Lock()
	defer b.opMu.Unlock()
	err := b.withUA(h, func() error {
		b.stateMu.Lock()
		b.outgoing = append(b.outgoing, oc)
		b.stateMu.Unlock()
		return b.CmdDial(params.Destination)
	})
	if err != nil {
		b.stateMu.Lock()
		b.removeOutgoingLocked(oc)
		b.stateMu.Unlock()
		return "", err
	}
	return oc.handle, nil
}

func (b *Baresip) removeOutgoingLocked(oc *outgoingCall) {
	for i, o := range b.outgoing {
		if o == oc {
			b.outgoing = append(b.outgoing[:i], b.outgoing[i+1:]...)
			return
		}
	}
}

// callID returns the baresip id of c.
func (b *Baresip) callID(c sipcore.CallHandle) (string, error) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	id, ok := b.callIDs[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCall, c)
	}
	return id, nil
}

// withCall makes c the current call and runs fn.
func (b *Baresip) withCall(c sipcore.CallHandle, fn func() error) error {
	id, err := b.callID(c)
	if err != nil {
		return err
	}
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if err := b.CmdCallfind(id); err != nil {
		return err
	}
	return fn()
}

func (b *Baresip) Answer(c sipcore.CallHandle) error {
	return b.withCall(c, b.CmdAccept)
}

// Hangup ends the call. A non zero statusCode rejects an incoming call with that code.
// Redirecting to a target is not possible through ctrl_tcp.
func (b *Baresip) Hangup(c sipcore.CallHandle, statusCode int, target string) error {
	if target != "" {
		return fmt.Errorf("%w: redirect", ErrUnsupported)
	}

	b.stateMu.Lock()
	id, ok := b.callIDs[c]
	if !ok {
		for _, oc := range b.outgoing {
			if oc.handle == c {
				oc.hangup = true
				b.stateMu.Unlock()
				return nil
			}
		}
		b.stateMu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownCall, c)
	}
	b.stateMu.Unlock()

	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.CmdHangupID(id, statusCode)
}

// ReleaseCall forgets the handle of a terminated call. A call baresip has not reported
// yet is hung up as soon as it is.
func (b *Baresip) ReleaseCall(c sipcore.CallHandle) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	for _, oc := range b.outgoing {
		if oc.handle == c {
			oc.hangup, oc.released = true, true
			return nil
		}
	}
	id, ok := b.callIDs[c]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCall, c)
	}
	if b.callHandles[id] == c {
		delete(b.callHandles, id)
	}
	delete(b.callIDs, c)
	delete(b.muted, c)
	delete(b.transferring, c)
	return nil
}

func (b *Baresip) Hold(c sipcore.CallHandle) error {
	return b.withCall(c, b.CmdHold)
}

func (b *Baresip) Unhold(c sipcore.CallHandle) error {
	return b.withCall(c, b.CmdResume)
}

// SetMute toggles the baresip mute state only if it differs from muted.
func (b *Baresip) SetMute(c sipcore.CallHandle, muted bool) error {
	b.stateMu.Lock()
	current := b.muted[c]
	b.stateMu.Unlock()
	if current == muted {
		return nil
	}
	err := b.withCall(c, b.CmdMute)
	if err == nil {
		b.stateMu.Lock()
		b.muted[c] = muted
		b.stateMu.Unlock()
	}
	return err
}

func (b *Baresip) Transfer(c sipcore.CallHandle, target string) error {
	err := b.withCall(c, func() error { return b.CmdTransfer(target) })
	if err == nil {
		b.stateMu.Lock()
		b.transferring[c] = target
		b.stateMu.Unlock()
	}
	return err
}

func (b *Baresip) SendDTMF(c sipcore.CallHandle, digits string) error {
	return b.withCall(c, func() error { return b.CmdSndcode(digits) })
}

// ---- media ----

func (b *Baresip) SupportedCodecs() []string {
	return append([]string(nil), b.codecs...)
}

// SetCodecPriority records the table. Baresip takes the codec list from the account
// line, so it applies to User-Agents created afterwards.
func (b *Baresip) SetCodecPriority(table map[string]int) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.codecPriority = make(map[string]int, len(table))
	for k, v := range table {
		b.codecPriority[k] = v
	}
	return nil
}

func (b *Baresip) SetAudioRoute(route sipcore.AudioRoute) error {
	device := b.earpieceDevice
	if route == sipcore.RouteSpeaker {
		device = b.speakerDevice
	}
	if device == "" {
		b.logger.Debugf("no audio device configured for route %s", route)
		return nil
	}
	b.opMu.Lock()
	defer b.opMu.Unlock()
	return b.CmdAuplay(device)
}

// SetOrientation is accepted and ignored: baresip has no video orientation control.
func (b *Baresip) SetOrientation(orientation string) error {
	b.logger.Debugf("orientation %s ignored", orientation)
	return nil
}

func (b *Baresip) Notifications() <-chan sipcore.Notification {
	return b.notifications
}

// parseStatus splits a baresip event param like "486 Busy Here" into code and reason.
func parseStatus(param string) (int, string) {
	param = strings.TrimSpace(param)
	code, rest, _ := strings.Cut(param, " ")
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 699 {
		return 0, param
	}
	return n, strings.TrimSpace(rest)
}
