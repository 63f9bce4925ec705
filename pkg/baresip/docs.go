// Package baresip implements [sipcore.Engine] on top of the Baresip SIP client
// (https://github.com/baresip), driven through its ctrl_tcp module.
//
// A [Baresip] either launches a baresip process itself or attaches to an external one
// (see [UseExternalBaresip]). Commands are sent as netstring-framed JSON and the
// asynchronous baresip events (REGISTER_OK, CALL_ESTABLISHED, CALL_CLOSED, ...) are
// translated into [sipcore.Notification]s.
//
// Typical usage:
//
//	bs, _ := baresip.New(baresip.UseExternalBaresip(), baresip.SetCtrlTCPAddr("127.0.0.1:4444"))
//	go bs.Serve(ctx)
//	<-bs.Ready()
//	ep, _ := sipcore.New(bs)
//
// Baresip manages its SIP transports from its own configuration file: transport commands
// only enable or disable a transport kind.
package baresip
