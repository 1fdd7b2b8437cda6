package listener

import (
	"context"
	"log/slog"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/logging"
)

// LogListener writes every frame it sees to a structured logger. It is meant
// for debugging; enabling it puts a log call on the dispatch path.
type LogListener struct {
	Base
	Logger *slog.Logger // nil uses logging.L()
	Level  slog.Level
}

func (l *LogListener) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return logging.L()
}

func (l *LogListener) emit(msg string, f string, mailbox int) {
	lg := l.log()
	if !lg.Enabled(context.Background(), l.Level) {
		return
	}
	lg.Log(context.Background(), l.Level, msg, "frame", f, "mailbox", mailbox)
}

func (l *LogListener) GotFrame(f *can.Frame, mailbox int)  { l.emit("can_rx", f.String(), mailbox) }
func (l *LogListener) SentFrame(f *can.Frame, mailbox int) { l.emit("can_tx", f.String(), mailbox) }

func (l *LogListener) GotFrameFD(f *can.FrameFD, mailbox int) {
	l.emit("can_rx_fd", f.String(), mailbox)
}

func (l *LogListener) SentFrameFD(f *can.FrameFD, mailbox int) {
	l.emit("can_tx_fd", f.String(), mailbox)
}
