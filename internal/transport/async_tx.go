package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels writes of F through one goroutine. Enqueue never blocks:
// when the buffer is full Send calls Hooks.OnDrop and returns its error.
//
//	tx := NewAsyncTx(ctx, 64, port.WriteFrame, hooks)
//	tx.Send(frame)
//	tx.Close()
//
// Send after Close returns ErrAsyncTxClosed.
type AsyncTx[F any] struct {
	mu     sync.Mutex
	ch     chan F
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(F) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks let each driver keep its own metrics and logging.
type Hooks struct {
	// OnError is called when send fails; the frame is not retried.
	OnError func(error)
	// OnAfter is called after each successful send.
	OnAfter func()
	// OnDrop is called on a full buffer and its error returned from Send.
	// Nil makes overflow silent.
	OnDrop func() error
}

// NewAsyncTx starts the worker with a buffer of buf frames.
func NewAsyncTx[F any](parent context.Context, buf int, send func(F) error, hooks Hooks) *AsyncTx[F] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[F]{
		ch:     make(chan F, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[F]) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues fr or returns the drop error when the buffer is full.
func (a *AsyncTx[F]) Send(fr F) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending returns the number of queued frames.
func (a *AsyncTx[F]) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it. Queued frames are discarded.
func (a *AsyncTx[F]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
