package baresip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/markdingo/netstring"

	"github.com/f18m/go-sipendpoint/pkg/sipcore"
)

// internalPingToken is a special token used for internal pings. Never use it in your code.
const internalPingToken = "gosipendpoint_internal_ping"

// ResponseMsg represents a response message from the baresip control interface.
// See doxygen docs at https://github.com/baresip/baresip/blob/main/modules/ctrl_tcp/ctrl_tcp.c
type ResponseMsg struct {
	Response bool   `json:"response,omitempty"`
	Ok       bool   `json:"ok,omitempty"`
	Data     string `json:"data,omitempty"`
	Token    string `json:"token,omitempty"`
	RawJSON  []byte `json:"-"`
}

// EventMsg represents an event message from the baresip control interface.
// See doxygen docs at https://github.com/baresip/baresip/blob/main/modules/ctrl_tcp/ctrl_tcp.c
type EventMsg struct {
	Event           bool   `json:"event,omitempty"`
	Type            string `json:"type,omitempty"`
	Class           string `json:"class,omitempty"`
	AccountAOR      string `json:"accountaor,omitempty"`
	Direction       string `json:"direction,omitempty"`
	PeerURI         string `json:"peeruri,omitempty"`
	PeerDisplayname string `json:"peerdisplayname,omitempty"`
	ID              string `json:"id,omitempty"`
	RemoteAudioDir  string `json:"remoteaudiodir,omitempty"`
	Param           string `json:"param,omitempty"`
	RawJSON         []byte `json:"-"`
}

// BareSipClientStats holds statistics about a [Baresip] instance.
type BareSipClientStats struct {
	TxStats struct {
		SuccessfulCmds  uint32 `json:"successful_cmds"`
		FailedCmds      uint32 `json:"failed_cmds"`
		SuccessfulPings uint32 `json:"successful_pings"`
		FailedPings     uint32 `json:"failed_pings"`
	}
	RxStats struct {
		DecodeFailures    uint32 `json:"decode_failures"`
		EventMsgs         uint32 `json:"event_msg_count"`
		ResponseMsgs      uint32 `json:"response_msg_count"`
		UnmatchedResponse uint32 `json:"unmatched_response_count"`
	}
}

// BaresipStartOptions holds the options for starting the internal baresip instance.
type BaresipStartOptions struct {
	// Name of the SIP user agent
	UserAgent string
	// Path to the baresip configuration directory. It defaults to the $HOME directory.
	ConfigPath string
	// Path to the audio files directory. It defaults to the current directory.
	AudioPath string
	// Debug mode. If true, it enables debug logging by baresip.
	Debug bool
}

// baresipInstanceController is an internal helper to manage a baresip instance.
type baresipInstanceController struct {
	startOptions BaresipStartOptions

	// logStdout and logStderr control whether to log baresip's stdout and stderr.
	logStdout bool
	logStderr bool

	baresipCmd    *exec.Cmd
	baresipCtx    context.Context
	baresipCancel context.CancelFunc
	baresipStdout io.ReadCloser
	baresipStderr io.ReadCloser
}

func (b *baresipInstanceController) SetDefaults() {
	if b.startOptions.AudioPath == "" {
		b.startOptions.AudioPath = path.Join(os.Getenv("HOME"), ".baresip")
	}
	if b.startOptions.ConfigPath == "" {
		b.startOptions.ConfigPath = path.Join(os.Getenv("HOME"), ".baresip")
	}
	if b.startOptions.UserAgent == "" {
		b.startOptions.UserAgent = "go-sipendpoint"
	}
}

// Baresip drives a baresip instance over ctrl_tcp and implements [sipcore.Engine].
type Baresip struct {
	// BARESIP external process controller
	runBaresipCmd bool
	baresipHandle baresipInstanceController

	// OTHER CONFIGS

	// pingInterval is the interval for sending ping commands to baresip.
	pingInterval time.Duration

	// Timeout for writing commands to the control interface.
	ctrlCmdWriteTimeout time.Duration

	// Timeout for receiving the response of a command.
	ctrlCmdResponseTimeout time.Duration

	// TCP socket address for the control interface.
	ctrlAddr string

	codecs         []string
	earpieceDevice string
	speakerDevice  string

	// STATUS

	logger sipcore.Logger

	// ctrlConn is the TCP connection to the baresip control interface.
	ctrlConn        net.Conn
	ctrlConnTxMutex sync.Mutex

	// decoder/encoder for netstring format
	ctrlConnDec *netstring.Decoder
	ctrlConnEnc *netstring.Encoder

	// ready is closed once the control connection is up
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	statsMu   sync.Mutex
	ctrlStats BareSipClientStats

	// pending maps command tokens to the goroutine waiting for their response
	pendingMu sync.Mutex
	pending   map[string]chan ResponseMsg

	// opMu serializes engine requests, which select a UA or a call before acting on it
	opMu sync.Mutex

	// engine state, see engine.go
	stateMu       sync.Mutex
	accounts      map[sipcore.AccountHandle]*userAgent
	unregistering map[sipcore.AccountHandle]bool
	outgoing      []*outgoingCall
	callHandles   map[string]sipcore.CallHandle
	callIDs       map[sipcore.CallHandle]string
	muted         map[sipcore.CallHandle]bool
	transferring  map[sipcore.CallHandle]string
	transports    map[sipcore.TransportID]sipcore.TransportKind
	nextTransport sipcore.TransportID
	codecPriority map[string]int

	// translated notifications, forwarded in order by forwardNotifications
	notifyMu      sync.Mutex
	notifyQueue   []sipcore.Notification
	notifyWake    chan struct{}
	notifications chan sipcore.Notification
	forwarderDone chan struct{}
}

var _ sipcore.Engine = (*Baresip)(nil)

// New creates a new [Baresip] instance with the provided options.
// Options can be set using functional options like [SetCtrlTCPAddr], [UseExternalBaresip],
// [SetLogger], etc. If no options are provided, it will use default values.
func New(options ...func(*Baresip) error) (*Baresip, error) {
	b := &Baresip{
		runBaresipCmd: true,
		codecs:        []string{"opus/48000/2", "G722/16000/1", "PCMU/8000/1", "PCMA/8000/1"},
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		pending:       make(map[string]chan ResponseMsg),
		accounts:      make(map[sipcore.AccountHandle]*userAgent),
		unregistering: make(map[sipcore.AccountHandle]bool),
		callHandles:   make(map[string]sipcore.CallHandle),
		callIDs:       make(map[sipcore.CallHandle]string),
		muted:         make(map[sipcore.CallHandle]bool),
		transferring:  make(map[sipcore.CallHandle]string),
		transports:    make(map[sipcore.TransportID]sipcore.TransportKind),
		notifyWake:    make(chan struct{}, 1),
		notifications: make(chan sipcore.Notification, 100),
		forwarderDone: make(chan struct{}),
	}

	if err := b.SetOption(options...); err != nil {
		return nil, err
	}

	b.baresipHandle.SetDefaults()

	if b.ctrlAddr == "" {
		b.ctrlAddr = "127.0.0.1:4444"
	}
	if b.logger == nil {
		b.logger = sipcore.NopLogger()
	}
	if b.pingInterval == 0 {
		b.pingInterval = 30 * time.Second // Default ping interval
	}
	if b.ctrlCmdWriteTimeout == 0 {
		b.ctrlCmdWriteTimeout = 100 * time.Millisecond // Default write timeout for control commands
	}
	if b.ctrlCmdResponseTimeout == 0 {
		b.ctrlCmdResponseTimeout = 2 * time.Second
	}

	go b.forwardNotifications()
	return b, nil
}

// Ready is closed once the control connection to baresip is established.
func (b *Baresip) Ready() <-chan struct{} {
	return b.ready
}

// GetStats returns a copy of the control connection statistics.
func (b *Baresip) GetStats() BareSipClientStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.ctrlStats
}

func (b *Baresip) updateStats(fn func(*BareSipClientStats)) {
	b.statsMu.Lock()
	fn(&b.ctrlStats)
	b.statsMu.Unlock()
}

func (b *Baresip) readFromCtrlConn() error {
	for {
		netstr, err := b.ctrlConnDec.Decode()
		if err != nil {
			// network error, encoding error or end of stream... trigger baresip exit
			return fmt.Errorf("failure on the TCP control socket: %w", err)
		}

		// What we received might be only 2 types of messages:
		// 1. EventMsg
		// 2. ResponseMsg
		// We will try to unmarshal it as EventMsg first, and if that fails, we will try ResponseMsg.
		// If both fail, we will skip the message.
		var event EventMsg
		var response ResponseMsg

		err = json.Unmarshal(netstr, &event)
		if err != nil || !event.Event {
			err = json.Unmarshal(netstr, &response)
			if err != nil || !response.Response {
				b.updateStats(func(s *BareSipClientStats) { s.RxStats.DecodeFailures++ })
				b.logger.Warnf("cannot decode message from baresip: %s", string(netstr))
				continue
			}

			response.RawJSON = netstr
			b.onCtrlConnResponse(response)
		} else {
			event.RawJSON = netstr
			b.onCtrlConnEvent(event)
		}
	}
}

func (b *Baresip) onCtrlConnEvent(event EventMsg) {
	b.updateStats(func(s *BareSipClientStats) { s.RxStats.EventMsgs++ })
	b.logger.Debugf("event from baresip: %s", string(event.RawJSON))
	b.notify(b.translate(event)...)
}

func (b *Baresip) onCtrlConnResponse(response ResponseMsg) {
	if response.Token == internalPingToken {
		// This is an internal ping response, hide that from the engine requests
		b.updateStats(func(s *BareSipClientStats) { s.TxStats.SuccessfulPings++ })
		b.logger.Debugf("ping successful")
		return
	}

	b.updateStats(func(s *BareSipClientStats) { s.RxStats.ResponseMsgs++ })
	b.logger.Debugf("response from baresip: %s", string(response.RawJSON))

	b.pendingMu.Lock()
	ch, ok := b.pending[response.Token]
	delete(b.pending, response.Token)
	b.pendingMu.Unlock()
	if !ok {
		b.updateStats(func(s *BareSipClientStats) { s.RxStats.UnmatchedResponse++ })
		b.logger.Debugf("response with unknown token %q", response.Token)
		return
	}
	ch <- response // buffered
}

// notify queues translated notifications; they are delivered by forwardNotifications so
// the ctrl_tcp reader never blocks on a slow consumer.
func (b *Baresip) notify(n ...sipcore.Notification) {
	if len(n) == 0 {
		return
	}
	b.notifyMu.Lock()
	b.notifyQueue = append(b.notifyQueue, n...)
	b.notifyMu.Unlock()
	select {
	case b.notifyWake <- struct{}{}:
	default:
	}
}

func (b *Baresip) forwardNotifications() {
	defer close(b.forwarderDone)
	for {
		b.notifyMu.Lock()
		batch := b.notifyQueue
		b.notifyQueue = nil
		b.notifyMu.Unlock()

		for _, n := range batch {
			select {
			case b.notifications <- n:
			case <-b.done:
				return
			}
		}

		select {
		case <-b.notifyWake:
		case <-b.done:
			return
		}
	}
}

func (b *Baresip) keepActive(done <-chan bool) {
	if b.pingInterval <= 0 {
		b.logger.Infof("pings / keep alives are disabled")
		return
	}

	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			b.logger.Infof("stopped sending TCP keep-alives/pings to baresip")
			return

		case <-ticker.C:
			if b.Cmd("uuid", "", internalPingToken) != nil {
				b.updateStats(func(s *BareSipClientStats) { s.TxStats.FailedPings++ })
				b.logger.Warnf("ping to baresip failed")
			}
		}
	}
}

// Serve method is the main method of [Baresip] and:
//   - runs an "internal" baresip instance, by executing it in background,
//     unless the [UseExternalBaresip] has been used in [New]
//   - connects to baresip control TCP socket; see [SetCtrlTCPAddr] for details
//   - translates baresip events into notifications, until it returns
//
// This function will return if the provided context is cancelled.
// If an error occurs, it returns an error instead. In both cases the notification channel
// is closed: a [Baresip] cannot be served twice.
func (b *Baresip) Serve(ctx context.Context) error {
	// If needed start the internal baresip process
	if b.runBaresipCmd {
		if err := b.startInternalBaresip(); err != nil {
			b.doCleanup(nil)
			return err
		}
	}

	// Connect to the control TCP socket
	if err := b.connectCtrl(); err != nil {
		b.doCleanup(nil)
		return err
	}
	b.readyOnce.Do(func() { close(b.ready) })

	// Start reading from the control connection
	ctrlSocketErrCh := make(chan error, 1)
	go func() {
		err := b.readFromCtrlConn()
		ctrlSocketErrCh <- err // signal that the reading from the control socket has stopped
	}()

	// Run a continuous ping to detect if the baresip process is still alive
	stopKeepActiveCh := make(chan bool, 1)
	go b.keepActive(stopKeepActiveCh)

	// Block till either the context is cancelled or an error occurs on the control socket
	select {
	case <-ctx.Done():
		b.logger.Infof("context cancelled, stopping the Baresip instance")
		b.doCleanup(stopKeepActiveCh)
		return ctx.Err()

	case err := <-ctrlSocketErrCh:
		b.logger.Warnf("error on control socket, stopping the Baresip instance: %s", err)
		b.doCleanup(stopKeepActiveCh)
		return err
	}
}

func (b *Baresip) doCleanup(stopKeepActiveCh chan<- bool) {
	if stopKeepActiveCh != nil {
		stopKeepActiveCh <- true
	}

	// Close the control connection if it exists
	// This will also terminate the readFromCtrlConn() loop if it's still running
	if b.ctrlConn != nil {
		if err := b.ctrlConn.Close(); err != nil {
			b.logger.Warnf("error closing control connection: %s", err)
		}
	}

	// Stop baresip instance, if any
	if b.runBaresipCmd && b.baresipHandle.baresipCmd != nil {
		b.baresipHandle.baresipCancel()
		if err := b.baresipHandle.baresipCmd.Wait(); err != nil {
			b.logger.Infof("baresip exited with error: %s", err)
		}
	}

	// Close the stdout/stderr pipes if they exist
	if b.baresipHandle.baresipStdout != nil {
		_ = b.baresipHandle.baresipStdout.Close()
	}
	if b.baresipHandle.baresipStderr != nil {
		_ = b.baresipHandle.baresipStderr.Close()
	}

	// Wake up requests waiting for a response, stop forwarding and close the output channel
	close(b.done)
	<-b.forwarderDone
	close(b.notifications)
}

func (b *Baresip) startInternalBaresip() error {
	b.baresipHandle.baresipCtx, b.baresipHandle.baresipCancel = context.WithCancel(context.Background())

	// -c disables colored logs, which don't play well with our logic to redirect stdout/stderr to
	// the application's logger
	args := []string{
		"-f", b.baresipHandle.startOptions.ConfigPath,
		"-p", b.baresipHandle.startOptions.AudioPath,
		"-a", b.baresipHandle.startOptions.UserAgent,
		"-c",
	}
	if b.baresipHandle.startOptions.Debug {
		args = append(args, "-v")
	}

	// We assume baresip is in the PATH
	b.logger.Infof("Starting baresip with args: %v", args)
	b.baresipHandle.baresipCmd = exec.CommandContext(b.baresipHandle.baresipCtx, "baresip", args...) //nolint:gosec

	// Open stdout/stderr pipes BEFORE starting the command (this can't be done AFTER!)
	var err error
	b.baresipHandle.baresipStdout, err = b.baresipHandle.baresipCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error getting baresip stdout pipe: %w", err)
	}
	b.baresipHandle.baresipStderr, err = b.baresipHandle.baresipCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error getting baresip stderr pipe: %w", err)
	}

	if err := b.baresipHandle.baresipCmd.Start(); err != nil {
		b.baresipHandle.baresipCmd = nil
		return fmt.Errorf("error starting baresip: %w", err)
	}

	if b.baresipHandle.logStdout {
		go b.readOutput("stdout", b.baresipHandle.baresipStdout)
	}
	if b.baresipHandle.logStderr {
		go b.readOutput("stderr", b.baresipHandle.baresipStderr)
	}

	return nil
}

func (b *Baresip) connectCtrl() error {
	var conn net.Conn
	var err error

	attempts := 0
	for {
		b.logger.Infof("attempting to connect to control socket at %s (attempt %d)", b.ctrlAddr, attempts+1)
		conn, err = net.Dial("tcp", b.ctrlAddr)
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			attempts++
			if attempts < 10 {
				time.Sleep(100 * time.Millisecond) // Give baresip some time to start
				continue
			}
			// give up... too many attempts
			return ErrNoCtrlConn

		case err != nil:
			return fmt.Errorf("failed to connect to ctrl socket: please make sure ctrl_tcp baresip module is enabled: %w", err)
		}
		break
	}
	b.logger.Infof("successfully connected to control socket at %s", b.ctrlAddr)

	// link the TCP socket to the netstring decoder/encoder
	b.ctrlConnTxMutex.Lock()
	b.ctrlConn = conn
	b.ctrlConnDec = netstring.NewDecoder(conn)
	b.ctrlConnEnc = netstring.NewEncoder(conn)
	b.ctrlConnTxMutex.Unlock()
	return nil
}

// GetStdoutPipe returns the stdout pipe of the baresip process.
// This can be used to read the stdout output of the baresip process directly.
func (b *Baresip) GetStdoutPipe() io.ReadCloser {
	return b.baresipHandle.baresipStdout
}

// GetStderrPipe returns the stderr pipe of the baresip process.
// See [Baresip.GetStdoutPipe] for more details.
func (b *Baresip) GetStderrPipe() io.ReadCloser {
	return b.baresipHandle.baresipStderr
}

func (b *Baresip) readOutput(name string, reader io.ReadCloser) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		b.logger.Infof("baresip %s: %s", name, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		b.logger.Infof("stopped reading baresip %s due to error: %s", name, err)
		return
	}

	b.logger.Infof("stopped reading baresip %s", name)
}
