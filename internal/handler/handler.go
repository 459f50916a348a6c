package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/balancebeam/internal/httpcodec"
	"github.com/angeloszaimis/balancebeam/internal/loadbalancer"
	"github.com/angeloszaimis/balancebeam/internal/metrics"
	"github.com/angeloszaimis/balancebeam/internal/state"
)

type ConnectionHandler struct {
	logger      *slog.Logger
	balancer    *loadbalancer.LoadBalancer
	state       *state.ProxyState
	collector   *metrics.Collector
	maxBodySize int64
}

func NewConnectionHandler(
	logger *slog.Logger,
	lb *loadbalancer.LoadBalancer,
	st *state.ProxyState,
	collector *metrics.Collector,
	maxBodySize int64,
) *ConnectionHandler {
	if maxBodySize <= 0 {
		maxBodySize = httpcodec.DefaultMaxBodySize
	}

	return &ConnectionHandler{
		logger:      logger.With(slog.String("component", "handler")),
		balancer:    lb,
		state:       st,
		collector:   collector,
		maxBodySize: maxBodySize,
	}
}

// Handle serves one client connection until the client goes away or an
// upstream failure ends the session. Every request of the session is sent to
// the same upstream connection. Both connections are closed on return, and
// the upstream connection is also closed as soon as ctx is cancelled so a
// session stuck on a silent upstream can be torn down.
func (h *ConnectionHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientIP := extractClientIP(conn.RemoteAddr())
	log := h.logger.With(
		slog.String("conn_id", uuid.NewString()),
		slog.String("client", clientIP))

	h.collector.Emit(metrics.MetricEvent{
		Type:      metrics.EventConnectionAccepted,
		Timestamp: time.Now(),
	})

	upstream, upstreamAddr, err := h.balancer.Connect(ctx)
	if err != nil {
		log.Error("Failed to connect to upstream", slog.Any("err", err))
		h.reply(log, conn, http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	stop := context.AfterFunc(ctx, func() {
		upstream.Close()
	})
	defer stop()

	log = log.With(slog.String("upstream", upstreamAddr))
	log.Debug("Opened session")

	clientReader := httpcodec.NewReader(conn, h.maxBodySize)
	upstreamReader := httpcodec.NewReader(upstream, h.maxBodySize)

	for {
		req, err := clientReader.ReadRequest()
		if err != nil {
			if h.handleReadError(log, conn, err) {
				continue
			}
			return
		}

		log.Info("Received request", slog.String("request", req.RequestLine()))

		if h.state.CheckAndIncrement(clientIP) == state.Deny {
			log.Warn("Rate limit exceeded")
			h.collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventRateLimited,
				Timestamp: time.Now(),
			})
			if !h.reply(log, conn, http.StatusTooManyRequests) {
				return
			}
			continue
		}

		httpcodec.ExtendHeader(req.Header, "X-Forwarded-For", clientIP)

		start := time.Now()

		if err := httpcodec.WriteRequest(upstream, req); err != nil {
			log.Error("Failed to send request to upstream", slog.Any("err", err))
			h.reply(log, conn, http.StatusBadGateway)
			return
		}
		log.Debug("Forwarded request to upstream")

		resp, err := upstreamReader.ReadResponse(req.Method)
		if err != nil {
			log.Error("Failed to read response from upstream", slog.Any("err", err))
			h.reply(log, conn, http.StatusBadGateway)
			return
		}

		duration := time.Since(start)
		h.collector.Emit(metrics.MetricEvent{
			Type:       metrics.EventResponseCompleted,
			Timestamp:  time.Now(),
			Upstream:   upstreamAddr,
			Duration:   duration,
			StatusCode: resp.StatusCode,
		})

		if err := httpcodec.WriteResponse(conn, resp); err != nil {
			log.Warn("Failed to send response to client", slog.Any("err", err))
			return
		}

		log.Info("Forwarded response",
			slog.String("status", resp.StatusLine()),
			slog.Duration("duration", duration))

		if req.Close || resp.Close {
			log.Debug("Closing session after Connection: close")
			return
		}
	}
}

// handleReadError answers a failed client read and reports whether the
// session can go on.
func (h *ConnectionHandler) handleReadError(log *slog.Logger, conn net.Conn, err error) bool {
	var connErr *httpcodec.ConnectionError

	switch {
	case errors.Is(err, httpcodec.ErrClosed):
		log.Debug("Client closed the connection")
		return false

	case errors.As(err, &connErr):
		log.Debug("Client connection failed", slog.Any("err", err))
		return false
	}

	code := httpcodec.StatusFor(err)
	log.Warn("Failed to read request from client",
		slog.Int("status", code),
		slog.Any("err", err))

	h.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventClientError,
		Timestamp:  time.Now(),
		StatusCode: code,
	})

	return h.reply(log, conn, code)
}

// reply sends a bodiless error response and reports whether it was written.
func (h *ConnectionHandler) reply(log *slog.Logger, conn net.Conn, code int) bool {
	if err := httpcodec.WriteResponse(conn, httpcodec.NewErrorResponse(code)); err != nil {
		log.Warn("Failed to send error response to client",
			slog.Int("status", code),
			slog.Any("err", err))
		return false
	}

	return true
}

func extractClientIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
