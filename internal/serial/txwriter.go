package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/metrics"
	"github.com/kstaniek/go-can-common/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// newTX funnels all UART writes through one goroutine.
func newTX(parent context.Context, sp Port, buf int, onError func(error)) *transport.AsyncTx[can.Frame] {
	var codec Codec
	wbuf := make([]byte, 0, MaxWire) // only touched by the worker
	send := func(fr can.Frame) error {
		wbuf = codec.Append(wbuf[:0], &fr)
		_, err := sp.Write(wbuf)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			if onError != nil {
				onError(err)
			}
		},
		OnAfter: metrics.IncSerialTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return transport.NewAsyncTx(parent, buf, send, hooks)
}
