package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/hub"
	"github.com/kstaniek/go-can-common/internal/metrics"
)

// startWriter pushes hub frames to one client, batching up to batchSize frames
// or flushInterval, whichever comes first.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.removeClient(cl)
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		var wire bytes.Buffer
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			wire.Reset()
			_, _ = s.Codec.EncodeTo(&wire, batch)
			batch = batch[:0]
			if _, err := conn.Write(wire.Bytes()); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}
