// Package loopback provides an in-memory [sipcore.Engine] that simulates a SIP stack and
// its peers without any network I/O.
//
// It is meant for tests and demos of the sipcore package: in automatic mode it behaves
// like a cooperative remote party, in manual mode every notification is injected by the
// caller through [Engine.Emit].
package loopback
