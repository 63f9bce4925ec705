package sipcore

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// TransportKindConfig configures one signaling transport.
type TransportKindConfig struct {
	// Port to bind. Zero lets the engine pick one.
	Port int `json:"port,omitempty"`
	// PublicAddress is advertised in Via/Contact instead of the bound address, if set.
	PublicAddress string `json:"publicAddress,omitempty"`
	// Required makes Start fail, and undo every transport it created, if this kind cannot be bound.
	Required bool `json:"required,omitempty"`

	// TLS only.
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
	CAFile   string `json:"caFile,omitempty"`
	Verify   bool   `json:"verify,omitempty"`
}

// TransportConfig selects which transports the endpoint binds at start.
// A nil kind is not created.
type TransportConfig struct {
	UDP *TransportKindConfig `json:"udp,omitempty"`
	TCP *TransportKindConfig `json:"tcp,omitempty"`
	TLS *TransportKindConfig `json:"tls,omitempty"`
}

func (c TransportConfig) kind(k TransportKind) *TransportKindConfig {
	switch k {
	case TransportUDP:
		return c.UDP
	case TransportTCP:
		return c.TCP
	case TransportTLS:
		return c.TLS
	}
	return nil
}

func (c TransportConfig) validate() error {
	count := 0
	for _, k := range transportKinds {
		kc := c.kind(k)
		if kc == nil {
			continue
		}
		count++
		if kc.Port < 0 || kc.Port > 65535 {
			return fmt.Errorf("%w: %s port %d out of range", ErrConfiguration, k, kc.Port)
		}
	}
	if count == 0 {
		return fmt.Errorf("%w: no transport configured", ErrConfiguration)
	}
	return nil
}

// TransportIDs is the result of starting or rebinding the transports.
type TransportIDs struct {
	UDP TransportID `json:"udpTransportId"`
	TCP TransportID `json:"tcpTransportId"`
	TLS TransportID `json:"tlsTransportId"`

	// Failures holds the error of every requested kind that could not be bound.
	Failures map[TransportKind]error `json:"-"`
}

func unboundTransportIDs() TransportIDs {
	return TransportIDs{UDP: TransportUnbound, TCP: TransportUnbound, TLS: TransportUnbound}
}

// Get returns the id bound for the given kind.
func (t TransportIDs) Get(k TransportKind) TransportID {
	switch k {
	case TransportUDP:
		return t.UDP
	case TransportTCP:
		return t.TCP
	case TransportTLS:
		return t.TLS
	}
	return TransportUnbound
}

func (t *TransportIDs) set(k TransportKind, id TransportID) {
	switch k {
	case TransportUDP:
		t.UDP = id
	case TransportTCP:
		t.TCP = id
	case TransportTLS:
		t.TLS = id
	}
}

// AccountConfig describes a SIP account to create.
type AccountConfig struct {
	// ID is an optional host-chosen account id. Zero lets the registry allocate one.
	ID AccountID `json:"id,omitempty"`

	// URI is the address of record, e.g. "sip:alice@example.com".
	URI string `json:"uri"`
	// Registrar defaults to the domain of URI.
	Registrar string `json:"registrar,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Realm    string `json:"realm,omitempty"`
	Proxy    string `json:"proxy,omitempty"`

	// Transport pins the account to a transport kind. Empty picks the first bound kind,
	// in udp, tcp, tls order.
	Transport TransportKind `json:"transport,omitempty"`

	// RegTimeout is the registration expiry in seconds. Zero uses the engine default.
	RegTimeout    int      `json:"regTimeout,omitempty"`
	ContactParams string   `json:"contactParams,omitempty"`
	StunServers   []string `json:"stunServers,omitempty"`
}

func (c AccountConfig) validate() error {
	if c.ID < 0 {
		return fmt.Errorf("%w: negative account id %d", ErrConfiguration, c.ID)
	}
	if err := validateSIPURI(c.URI); err != nil {
		return fmt.Errorf("%w: account uri: %w", ErrConfiguration, err)
	}
	if c.Registrar != "" {
		if err := validateSIPURI(c.Registrar); err != nil {
			return fmt.Errorf("%w: registrar: %w", ErrConfiguration, err)
		}
	}
	if c.Proxy != "" {
		if err := validateSIPURI(c.Proxy); err != nil {
			return fmt.Errorf("%w: proxy: %w", ErrConfiguration, err)
		}
	}
	switch c.Transport {
	case "", TransportUDP, TransportTCP, TransportTLS:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrConfiguration, c.Transport)
	}
	if c.RegTimeout < 0 {
		return fmt.Errorf("%w: negative registration timeout", ErrConfiguration)
	}
	if err := validateStunServers(c.StunServers); err != nil {
		return err
	}
	return nil
}

// CallSettings tunes an outgoing call.
type CallSettings struct {
	AudioCount int `json:"audioCount,omitempty"`
	VideoCount int `json:"videoCount,omitempty"`
}

// MsgData carries extra SIP headers and an optional body for the INVITE.
type MsgData struct {
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Body        string            `json:"body,omitempty"`
}

func (s CallSettings) validate() error {
	if s.AudioCount < 0 || s.VideoCount < 0 {
		return fmt.Errorf("%w: negative media count", ErrConfiguration)
	}
	return nil
}

func validateSIPURI(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty uri")
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		return fmt.Errorf("%q is not a sip or sips uri", raw)
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if uri.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func validateStunServers(servers []string) error {
	for _, s := range servers {
		host, port := s, ""
		if h, p, err := net.SplitHostPort(s); err == nil {
			host, port = h, p
		}
		if host == "" {
			return fmt.Errorf("%w: empty stun server in %q", ErrConfiguration, s)
		}
		if port != "" {
			if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
				return fmt.Errorf("%w: bad stun server port in %q", ErrConfiguration, s)
			}
		}
	}
	return nil
}
