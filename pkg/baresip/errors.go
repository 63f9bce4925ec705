package baresip

import "errors"

// ErrNoCtrlConn is returned when trying to send a command to [Baresip] but the control connection has never
// been estabilished. Did you invoke the [Baresip.Serve] method?
var ErrNoCtrlConn = errors.New("no control connection established")

// ErrCmdTimeout is returned when baresip does not answer a command in time.
// See [SetCmdResponseTimeout].
var ErrCmdTimeout = errors.New("timeout waiting for command response")

// ErrCmdFailed is returned when baresip answers a command with ok=false.
var ErrCmdFailed = errors.New("command failed")

// ErrUnknownCall is returned for call handles baresip does not know (anymore).
var ErrUnknownCall = errors.New("unknown call")

// ErrUnsupported is returned for requests the ctrl_tcp interface cannot express.
var ErrUnsupported = errors.New("not supported by baresip")
