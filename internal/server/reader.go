package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/metrics"
)

// readBatch bounds how many frames one DecodeN call may deliver before the
// reader re-arms its deadline.
const readBatch = 16

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		deliver := func(fr can.Frame) { s.transmit(&fr, logger) }
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := s.Codec.DecodeN(conn, readBatch, deliver)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("conn_read_error", "error", err)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// transmit puts one client frame on the bus. A refused frame is counted and
// dropped; the connection stays up.
func (s *Server) transmit(fr *can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(fr) {
		return
	}
	metrics.IncTCPRx()
	if s.TX == nil || s.TX.SendFrame(fr) {
		return
	}
	s.totalRejected.Add(1)
	metrics.IncError(mapErrToMetric(ErrSendRejected))
	logger.Debug("send_rejected", "id", fr.ID, "extended", fr.Extended, "len", fr.Length)
}
