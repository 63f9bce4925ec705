package sipcore

// TransportKind identifies a SIP signaling transport.
type TransportKind string

const (
	TransportUDP TransportKind = "udp"
	TransportTCP TransportKind = "tcp"
	TransportTLS TransportKind = "tls"
)

// transportKinds lists the kinds in the order they are created.
var transportKinds = []TransportKind{TransportUDP, TransportTCP, TransportTLS}

// TransportID is the engine-assigned identifier of a bound transport.
type TransportID int

// TransportUnbound is the sentinel used for transport kinds that are not bound.
const TransportUnbound TransportID = -1

// AccountHandle is the engine-native handle of an account. It is opaque to the core.
type AccountHandle string

// CallHandle is the engine-native handle of a call. It is opaque to the core.
type CallHandle string

// AudioRoute is the desired audio output route.
type AudioRoute string

const (
	RouteEarpiece AudioRoute = "earpiece"
	RouteSpeaker  AudioRoute = "speaker"
)

// EntityKind tells which registry a [Notification] is addressed to.
type EntityKind string

const (
	EntityAccount EntityKind = "account"
	EntityCall    EntityKind = "call"
)

// NotificationType is the type of an engine notification.
type NotificationType string

// Account notifications.
const (
	NotifyRegistering    NotificationType = "registering"
	NotifyRegistered     NotificationType = "registered"
	NotifyRegisterFailed NotificationType = "register_failed"
	NotifyRegExpired     NotificationType = "registration_expired"
	NotifyUnregistering  NotificationType = "unregistering"
	NotifyUnregistered   NotificationType = "unregistered"
)

// Call notifications.
const (
	NotifyCallIncoming     NotificationType = "call_incoming"
	NotifyCallRinging      NotificationType = "call_ringing"
	NotifyCallConnecting   NotificationType = "call_connecting"
	NotifyCallConfirmed    NotificationType = "call_confirmed"
	NotifyCallHeld         NotificationType = "call_held"
	NotifyCallResumed      NotificationType = "call_resumed"
	NotifyCallMediaChanged NotificationType = "call_media_changed"
	NotifyCallDisconnect   NotificationType = "call_disconnecting"
	NotifyCallTerminated   NotificationType = "call_terminated"
	NotifyTransferStatus   NotificationType = "transfer_status"
)

// Notification is an asynchronous state change raised by the engine on its own goroutine.
// Account notifications set Account; call notifications set Call, and incoming calls also
// set Account to the handle of the receiving account.
type Notification struct {
	Entity  EntityKind
	Type    NotificationType
	Account AccountHandle
	Call    CallHandle

	// StatusCode and Reason carry the SIP status of the transition, when known.
	StatusCode int
	Reason     string

	// RemoteURI and RemoteName describe the peer of a call.
	RemoteURI  string
	RemoteName string

	// Final marks the last transfer-status notification of a transfer.
	Final bool

	// Muted is set on NotifyCallMediaChanged.
	Muted bool
}

// AccountParams is what the engine needs to build an account.
type AccountParams struct {
	URI           string
	Registrar     string
	Username      string
	Password      string
	Realm         string
	Proxy         string
	ContactParams string
	RegTimeout    int
	StunServers   []string
	Transport     TransportKind
	TransportID   TransportID
}

// DialParams is what the engine needs to originate a call.
type DialParams struct {
	Destination string
	AudioRoute  AudioRoute
	AudioCount  int
	VideoCount  int
	Headers     map[string]string
	ContentType string
	Body        string
}

// Engine is the external SIP signaling/media stack supervised by the [Endpoint].
//
// Methods only submit requests: outcomes are reported asynchronously through the
// channel returned by Notifications. Implementations must be safe for concurrent use.
type Engine interface {
	CreateTransport(kind TransportKind, cfg TransportKindConfig) (TransportID, error)
	DestroyTransport(id TransportID) error

	CreateAccount(params AccountParams) (AccountHandle, error)
	RegisterAccount(h AccountHandle) error
	UnregisterAccount(h AccountHandle) error
	ReleaseAccount(h AccountHandle) error
	SetStunServers(h AccountHandle, servers []string) error
	// RebindAccount moves the account to a new transport and re-registers it.
	RebindAccount(h AccountHandle, kind TransportKind, id TransportID) error

	Dial(h AccountHandle, params DialParams) (CallHandle, error)
	Answer(c CallHandle) error
	Hangup(c CallHandle, statusCode int, target string) error
	Hold(c CallHandle) error
	Unhold(c CallHandle) error
	SetMute(c CallHandle, muted bool) error
	Transfer(c CallHandle, target string) error
	SendDTMF(c CallHandle, digits string) error
	// ReleaseCall is called exactly once per call, after the call has terminated.
	ReleaseCall(c CallHandle) error

	SupportedCodecs() []string
	SetCodecPriority(table map[string]int) error
	SetAudioRoute(route AudioRoute) error
	SetOrientation(orientation string) error

	// Notifications returns the bounded channel the engine delivers state changes on.
	Notifications() <-chan Notification
}
