package sipcore

import "errors"

// Synchronous errors returned by [Endpoint] commands. Use errors.Is to classify them:
// the returned errors usually wrap one of these sentinels with more context.
var (
	// ErrConfiguration is returned for malformed account, transport, call or codec settings.
	// No state is created when it is returned.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrTransportUnavailable is returned when the requested transport kind is not bound.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNotFound is returned for unknown account or call ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStateTransition is returned when a command is not allowed in the current
	// state of the entity, e.g. deleting an account twice or holding a call that is ringing.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateIdentity is returned by CreateAccount when the id or the SIP URI
	// is already used by a live account.
	ErrDuplicateIdentity = errors.New("duplicate account identity")

	// ErrEngineFailure wraps errors returned synchronously by the [Engine] while submitting
	// a request. Asynchronous engine failures are never returned: they surface as events.
	ErrEngineFailure = errors.New("engine failure")

	// ErrNotStarted is returned by commands issued before [Endpoint.Start] or after [Endpoint.Stop].
	ErrNotStarted = errors.New("endpoint not started")

	// ErrAlreadyStarted is returned by a second call to [Endpoint.Start].
	ErrAlreadyStarted = errors.New("endpoint already started")
)

// More specific errors, wrapping the taxonomy above.
var (
	// ErrAccountNotRegistered is returned by MakeCall when the account is not registered
	// and [AllowUnregisteredCalls] was not set.
	ErrAccountNotRegistered = subError(ErrInvalidStateTransition, "account not registered")

	// ErrInvalidDestination is returned by MakeCall when the destination is not a SIP URI.
	ErrInvalidDestination = subError(ErrConfiguration, "invalid destination")

	// ErrAccountPendingDeletion is returned when a call is placed from an account
	// that is waiting for its calls to drain before being deleted.
	ErrAccountPendingDeletion = subError(ErrInvalidStateTransition, "account pending deletion")
)

type wrappedSentinel struct {
	parent error
	msg    string
}

func (w *wrappedSentinel) Error() string { return w.msg }
func (w *wrappedSentinel) Unwrap() error { return w.parent }

func subError(parent error, msg string) error {
	return &wrappedSentinel{parent: parent, msg: msg}
}
