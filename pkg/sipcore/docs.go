// Package sipcore is the orchestration core that sits between a host application and a
// SIP signaling/media engine (e.g. baresip, see the sibling baresip package).
//
// It manages the lifecycle of SIP accounts, calls and signaling transports, and translates
// the asynchronous notifications of the engine into a consistent, observable state model:
//
//   - the [TransportSupervisor] binds UDP, TCP and TLS transports and rebinds them on
//     network changes;
//   - the [AccountRegistry] runs one registration state machine per account and defers
//     the deletion of accounts that still have calls;
//   - the [CallRegistry] runs one call state machine (plus a transfer sub-state) per call;
//   - the [MediaController] tracks audio route, orientation and codec priorities;
//   - an internal emitter delivers [Event]s in per-entity order, outside of any lock.
//
// The [Endpoint] composes all of them. Looking at the [Endpoint] documentation is the
// recommended way to understand the available commands and events.
package sipcore
