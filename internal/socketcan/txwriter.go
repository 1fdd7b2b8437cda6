package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/metrics"
	"github.com/kstaniek/go-can-common/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// newTX funnels socket writes through one goroutine. onError runs after a
// failed write.
func newTX(parent context.Context, dev Dev, buf int, onError func(error)) *transport.AsyncTx[can.FrameFD] {
	var wbuf [FDMTU]byte // only touched by the worker
	send := func(fr can.FrameFD) error {
		n := encode(wbuf[:], &fr)
		_, err := dev.Write(wbuf[:n])
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			if onError != nil {
				onError(err)
			}
		},
		OnAfter: metrics.IncSocketCANTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return transport.NewAsyncTx(parent, buf, send, hooks)
}
