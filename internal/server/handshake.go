package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-common/internal/cnl"
	"github.com/kstaniek/go-can-common/internal/metrics"
)

// admit tunes the TCP socket and runs the cannelloni hello exchange. On
// failure the connection is closed and counted; the caller drops it.
func (s *Server) admit(ctx context.Context, conn net.Conn, l *slog.Logger) bool {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalHandshakeErr.Add(1)
		l.Warn("handshake_failed", "error", wrap, "timeout", s.handshakeTimeout)
		_ = conn.Close()
		return false
	}
	return true
}
