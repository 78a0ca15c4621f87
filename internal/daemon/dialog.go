package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/locknest/xlockd/internal/secret"
	"github.com/locknest/xlockd/internal/wire"
)

// Control bytes recognized in the keystroke stream.
const (
	keyEnter     = '\r'
	keyNewline   = '\n'
	keyEscape    = 0x1b
	keyBackspace = 0x08
	keyDelete    = 0x7f
	keyCtrlU     = 0x15
)

// maxPasswordLen caps accumulated credential input.
const maxPasswordLen = 256

// Displayer renders prompts and messages. The X11 dialog implements
// this; the default implementation only logs.
type Displayer interface {
	ShowPrompt(msg string, echo bool)
	ShowMessage(kind string, msg string)
}

type logDisplayer struct {
	logger *zap.Logger
}

func (d *logDisplayer) ShowPrompt(msg string, echo bool) {
	d.logger.Info("prompt", zap.String("msg", msg), zap.Bool("echo", echo))
}

func (d *logDisplayer) ShowMessage(kind, msg string) {
	d.logger.Info("message", zap.String("kind", kind), zap.String("msg", msg))
}

// DialogConfig configures the auth helper's prompt loop.
type DialogConfig struct {
	Executable  string        // binary to self-exec for the authproto role
	AuthTimeout time.Duration // idle keystroke timeout per prompt
}

// Dialog is the auth helper's side of the packet conversation. It owns
// the keystroke pipe inherited from the locker, spawns the credential
// bridge subprocess, and answers its prompts from accumulated input.
type Dialog struct {
	config  DialogConfig
	keys    io.Reader // keystroke pipe (stdin)
	display Displayer
	logger  *zap.Logger

	keyCh chan byte
}

// NewDialog creates the prompt loop over the given keystroke stream.
func NewDialog(config DialogConfig, keys io.Reader, display Displayer, logger *zap.Logger) *Dialog {
	if display == nil {
		display = &logDisplayer{logger: logger}
	}
	return &Dialog{
		config:  config,
		keys:    keys,
		display: display,
		logger:  logger,
	}
}

// Run spawns the authproto subprocess and relays its conversation.
// The return value is the helper's exit status: the subprocess's
// verdict, or 1 on cancellation, timeout, or protocol failure.
func (d *Dialog) Run() int {
	cmd := exec.Command(d.config.Executable, "authproto")
	cmd.Stderr = os.Stderr

	fromProto, err := cmd.StdoutPipe()
	if err != nil {
		d.logger.Error("failed to create bridge pipe", zap.Error(err))
		return 1
	}
	toProto, err := cmd.StdinPipe()
	if err != nil {
		d.logger.Error("failed to create bridge pipe", zap.Error(err))
		return 1
	}
	if err := cmd.Start(); err != nil {
		d.logger.Error("failed to start credential bridge", zap.Error(err))
		return 1
	}

	d.startKeyReader()

	status := d.converse(fromProto, toProto)
	toProto.Close()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		d.logger.Error("credential bridge wait failed", zap.Error(err))
		return 1
	}
	if status != 0 {
		return status
	}
	return 0
}

// converse answers packets until the bridge shuts down. A clean EOF at
// a message boundary means the check concluded; anything else inside a
// frame is a protocol failure.
func (d *Dialog) converse(fromProto io.Reader, toProto io.Writer) int {
	for {
		typ, _, payload, err := wire.ReadPacket(fromProto, true)
		if err != nil {
			d.logger.Error("protocol failure from bridge", zap.Error(err))
			return 1
		}
		if typ == wire.TypeNone {
			return 0 // clean shutdown, the verdict is the exit status
		}

		switch typ {
		case wire.TypeInfo:
			d.display.ShowMessage("info", string(payload))
		case wire.TypeError:
			d.display.ShowMessage("error", string(payload))
		case wire.TypePromptEchoOff:
			d.display.ShowPrompt(string(payload), false)
			if !d.answerPrompt(toProto, wire.TypeResponseEchoOff) {
				return 1
			}
		case wire.TypePromptEchoOn:
			d.display.ShowPrompt(string(payload), true)
			if !d.answerPrompt(toProto, wire.TypeResponseEchoOn) {
				return 1
			}
		default:
			d.logger.Error("unexpected packet from bridge",
				zap.String("type", fmt.Sprintf("%c", byte(typ))))
			return 1
		}
	}
}

// answerPrompt accumulates keystrokes into a pinned buffer and sends
// the response. Returns false when the conversation cannot continue.
func (d *Dialog) answerPrompt(toProto io.Writer, respType wire.PacketType) bool {
	buf := secret.New(maxPasswordLen)
	defer buf.Wipe()

	deadline := time.NewTimer(d.config.AuthTimeout)
	defer deadline.Stop()

	for {
		select {
		case b, ok := <-d.keyCh:
			if !ok {
				// Keystroke pipe closed: the locker went away.
				d.sendCancel(toProto)
				return false
			}
			switch b {
			case keyEnter, keyNewline:
				if err := wire.WritePacket(toProto, respType, buf.Bytes()); err != nil {
					d.logger.Error("failed to send response", zap.Error(err))
					return false
				}
				return true
			case keyEscape:
				d.sendCancel(toProto)
				return false
			case keyBackspace, keyDelete:
				buf.TrimLast()
			case keyCtrlU:
				buf.Reset()
			default:
				if err := buf.Append([]byte{b}); err != nil {
					// Over-long entry can only be a mistake; refuse it
					// outright rather than truncating silently.
					buf.Reset()
					d.display.ShowMessage("error", "input too long")
				}
			}

		case <-deadline.C:
			d.logger.Info("prompt idle timeout")
			d.sendCancel(toProto)
			return false
		}
	}
}

// sendCancel emits the cancellation response; failures are logged only,
// the conversation is over either way.
func (d *Dialog) sendCancel(toProto io.Writer) {
	if err := wire.WritePacket(toProto, wire.TypeCancelled, nil); err != nil {
		d.logger.Warn("failed to send cancel", zap.Error(err))
	}
}

// startKeyReader pumps single keystroke bytes into keyCh until the pipe
// closes.
func (d *Dialog) startKeyReader() {
	d.keyCh = make(chan byte, 64)
	go func() {
		defer close(d.keyCh)
		one := make([]byte, 1)
		for {
			n, err := d.keys.Read(one)
			if n == 1 {
				d.keyCh <- one[0]
				one[0] = 0
			}
			if err != nil {
				return
			}
		}
	}()
}
