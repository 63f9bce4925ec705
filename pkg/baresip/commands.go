package baresip

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/markdingo/netstring"
)

/*
	See https://github.com/baresip/baresip/wiki/Commands-registry

	Commands used by the engine:

  /accept             a        Accept incoming call
  /auplay ..                   Switch audio player
  /callfind ..                 Find call <callid>
  /dial ..            d ..     Dial
  /entransp ..                 Enable/Disable transport
  /hangup             b        Hangup call
  /hold               x        Call hold
  /mute               m        Call mute/un-mute
  /netchange                   Inform netroam about a network change
  /resume             X        Call resume
  /sndcode ..                  Send Code
  /transfer ..        t ..     Transfer call
  /uadel ..                    Delete User-Agent
  /uafind ..                   Find User-Agent <aor>
  /uanew ..                    Create User-Agent
  /uareg ..                    UA register <regint> [index]
  /uuid                        Print UUID
*/

// CommandMsg struct for ctrl_tcp
type CommandMsg struct {
	Command string `json:"command,omitempty"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Cmd will send a raw baresip command over ctrl_tcp, without waiting for its response.
func (b *Baresip) Cmd(command, params, token string) error {
	msg, err := json.Marshal(&CommandMsg{
		Command: command,
		Params:  params,
		Token:   token,
	})
	if err != nil {
		return err
	}

	b.ctrlConnTxMutex.Lock()
	if b.ctrlConnEnc == nil {
		err = ErrNoCtrlConn
	} else {
		err = b.ctrlConn.SetWriteDeadline(time.Now().Add(b.ctrlCmdWriteTimeout))
		if err == nil {
			err = b.ctrlConnEnc.EncodeString(netstring.NoKey, string(msg))
		}
	}
	b.ctrlConnTxMutex.Unlock()

	b.updateStats(func(s *BareSipClientStats) {
		if err == nil {
			s.TxStats.SuccessfulCmds++
		} else {
			s.TxStats.FailedCmds++
		}
	})
	return err
}

// CmdTxWithAck sends a command and waits for its response. A response with ok=false is
// reported as [ErrCmdFailed].
func (b *Baresip) CmdTxWithAck(command, params string) (ResponseMsg, error) {
	token := uuid.NewString()
	ch := make(chan ResponseMsg, 1)
	b.pendingMu.Lock()
	b.pending[token] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, token)
		b.pendingMu.Unlock()
	}()

	if err := b.Cmd(command, params, token); err != nil {
		return ResponseMsg{}, fmt.Errorf("%s %s: %w", command, params, err)
	}

	timer := time.NewTimer(b.ctrlCmdResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.Ok {
			return resp, fmt.Errorf("%w: %s %s: %s", ErrCmdFailed, command, params, resp.Data)
		}
		return resp, nil
	case <-timer.C:
		return ResponseMsg{}, fmt.Errorf("%w: %s %s", ErrCmdTimeout, command, params)
	case <-b.done:
		return ResponseMsg{}, fmt.Errorf("%s %s: %w", command, params, ErrNoCtrlConn)
	}
}

func (b *Baresip) cmdAck(command, params string) error {
	_, err := b.CmdTxWithAck(command, params)
	return err
}

// CmdAccept will accept the current incoming call
func (b *Baresip) CmdAccept() error {
	return b.cmdAck("accept", "")
}

// CmdAuplay will switch audio player
func (b *Baresip) CmdAuplay(s string) error {
	return b.cmdAck("auplay", s)
}

// CmdCallfind will make the call with the given id the current call
func (b *Baresip) CmdCallfind(callID string) error {
	return b.cmdAck("callfind", callID)
}

// CmdDial will dial the given uri from the current User-Agent
func (b *Baresip) CmdDial(s string) error {
	return b.cmdAck("dial", s)
}

// CmdEntransp will enable or disable a transport
func (b *Baresip) CmdEntransp(kind string, enable bool) error {
	flag := "no"
	if enable {
		flag = "yes"
	}
	return b.cmdAck("entransp", kind+" "+flag)
}

// CmdHangupID will hangup call with Call-ID, optionally with a SIP status code
func (b *Baresip) CmdHangupID(callID string, statusCode int) error {
	params := callID
	if statusCode != 0 {
		params += " " + strconv.Itoa(statusCode)
	}
	return b.cmdAck("hangup", params)
}

// CmdHold will put the current call on hold
func (b *Baresip) CmdHold() error {
	return b.cmdAck("hold", "")
}

// CmdMute will toggle the mute state of the current call
func (b *Baresip) CmdMute() error {
	return b.cmdAck("mute", "")
}

// CmdNetchange will inform baresip about a network change
func (b *Baresip) CmdNetchange() error {
	return b.cmdAck("netchange", "")
}

// CmdResume will resume the current call
func (b *Baresip) CmdResume() error {
	return b.cmdAck("resume", "")
}

// CmdSndcode will send DTMF digits on the current call
func (b *Baresip) CmdSndcode(digits string) error {
	return b.cmdAck("sndcode", digits)
}

// CmdTransfer will blind-transfer the current call
func (b *Baresip) CmdTransfer(target string) error {
	return b.cmdAck("transfer", target)
}

// CmdUadel will delete User-Agent
func (b *Baresip) CmdUadel(s string) error {
	return b.cmdAck("uadel", s)
}

// CmdUafind will find User-Agent <aor>
func (b *Baresip) CmdUafind(s string) error {
	return b.cmdAck("uafind", s)
}

// CmdUanew will create User-Agent
func (b *Baresip) CmdUanew(s string) error {
	return b.cmdAck("uanew", s)
}

// CmdUareg will register the current User-Agent with the given interval; 0 unregisters
func (b *Baresip) CmdUareg(regint int) error {
	return b.cmdAck("uareg", strconv.Itoa(regint))
}
