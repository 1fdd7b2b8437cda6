package listener

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/kstaniek/go-can-common/internal/can"
)

type counting struct {
	Base
	got, sent int
}

func (c *counting) GotFrame(*can.Frame, int)  { c.got++ }
func (c *counting) SentFrame(*can.Frame, int) { c.sent++ }

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(8)
	ls := make([]*counting, can.SizeListeners+1)
	for i := range ls {
		ls[i] = &counting{}
	}
	for i := 0; i < can.SizeListeners; i++ {
		if !r.Attach(ls[i]) {
			t.Fatalf("attach %d failed", i)
		}
	}
	if r.Attach(ls[can.SizeListeners]) {
		t.Fatalf("attach beyond capacity succeeded")
	}
	if !r.Detach(ls[1]) {
		t.Fatalf("detach failed")
	}
	if !r.Attach(ls[can.SizeListeners]) {
		t.Fatalf("attach after detach failed")
	}
	if r.At(1) != Listener(ls[can.SizeListeners]) {
		t.Fatalf("re-attach did not reuse the freed slot")
	}
	if r.Attach(&counting{}) {
		t.Fatalf("second attach into full registry succeeded")
	}
	if r.Len() != can.SizeListeners {
		t.Fatalf("Len=%d", r.Len())
	}
}

func TestRegistryDetachUnknown(t *testing.T) {
	r := NewRegistry(8)
	if r.Detach(&counting{}) {
		t.Fatalf("detach of unattached listener succeeded")
	}
	if r.Attach(nil) || r.Detach(nil) {
		t.Fatalf("nil listener accepted")
	}
}

func TestRegistryEachOrder(t *testing.T) {
	r := NewRegistry(8)
	a, b, c := &counting{}, &counting{}, &counting{}
	r.Attach(a)
	r.Attach(b)
	r.Attach(c)
	r.Detach(b)
	var got []Listener
	r.Each(func(_ int, l Listener) { got = append(got, l) })
	if len(got) != 2 || got[0] != Listener(a) || got[1] != Listener(c) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestAttachResetsMask(t *testing.T) {
	l := &counting{}
	l.Activation().AttachMailboxHandler(3)
	l.Activation().AttachGeneralHandler()
	r := NewRegistry(16)
	r.Attach(l)
	m := l.Activation()
	if m.Bits() != 0 {
		t.Fatalf("mask not reset: %b", m.Bits())
	}
	if m.Mailboxes() != 16 {
		t.Fatalf("mailboxes=%d", m.Mailboxes())
	}
}

func TestMaskBits(t *testing.T) {
	var m Mask
	m.Reset(8)
	m.AttachMailboxHandler(3)
	if !m.IsCallbackActive(3) {
		t.Fatalf("bit 3 not active")
	}
	m.DetachMailboxHandler(3)
	if m.IsCallbackActive(3) {
		t.Fatalf("bit 3 still active")
	}
	m.AttachGeneralHandler()
	if !m.IsGeneralActive() || !m.IsCallbackActive(8) {
		t.Fatalf("general bit not active")
	}
	for i := 0; i < 8; i++ {
		if m.IsCallbackActive(i) {
			t.Fatalf("general handler leaked into mailbox %d", i)
		}
	}
	m.DetachGeneralHandler()
	if m.Bits() != 0 {
		t.Fatalf("bits=%b", m.Bits())
	}
}

func TestMaskOutOfRangeIgnored(t *testing.T) {
	var m Mask
	m.Reset(4)
	m.AttachMailboxHandler(4)
	m.AttachMailboxHandler(-1)
	m.AttachMailboxHandler(40)
	if m.Bits() != 0 {
		t.Fatalf("out of range attach changed bits: %b", m.Bits())
	}
	m.AttachGeneralHandler()
	m.DetachMailboxHandler(4)
	if !m.IsGeneralActive() {
		t.Fatalf("out of range detach cleared the general bit")
	}
}

func TestMaskZeroValueDefaults(t *testing.T) {
	var m Mask
	if m.Mailboxes() != 8 {
		t.Fatalf("zero mask mailboxes=%d", m.Mailboxes())
	}
	m.AttachMailboxHandler(7)
	if !m.IsCallbackActive(7) {
		t.Fatalf("bit 7 not active")
	}
}

func TestFuncListener(t *testing.T) {
	var got, sent int
	fl := &Func{OnGot: func(*can.Frame, int) { got++ }}
	f := &can.Frame{ID: 1}
	fl.GotFrame(f, NoMailbox)
	fl.SentFrame(f, NoMailbox)
	if got != 1 || sent != 0 {
		t.Fatalf("got=%d sent=%d", got, sent)
	}
}

func TestLogListener(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := &LogListener{Logger: lg, Level: slog.LevelDebug}
	f := &can.Frame{ID: 0x123, Length: 2}
	f.Data[0], f.Data[1] = 0xDE, 0xAD
	l.GotFrame(f, NoMailbox)
	out := buf.String()
	if !strings.Contains(out, "can_rx") || !strings.Contains(out, "123#DEAD") {
		t.Fatalf("unexpected log output %q", out)
	}
	buf.Reset()
	l.Level = slog.LevelDebug - 4
	l.SentFrame(f, NoMailbox)
	if buf.Len() != 0 {
		t.Fatalf("disabled level still logged: %q", buf.String())
	}
}
