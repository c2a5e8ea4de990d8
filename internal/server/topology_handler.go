package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"kintampo/internal/logging"
	"kintampo/internal/metrics"
	"kintampo/internal/protocol"
	"kintampo/internal/topology"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	topologyRoute          = protocol.TopologyPath
	defaultTopologyRate    = 20
	defaultTopologyBurst   = 40
	topologyRequestTimeout = 30 * time.Second
)

// TopologyResponder answers discovery requests.
type TopologyResponder interface {
	Do(ctx context.Context, payload string) (topology.Response, error)
}

// TopologyHandler serves discovery requests over a websocket. Each message
// is one request; each reply is one text message.
type TopologyHandler struct {
	Service           TopologyResponder
	Logger            *logging.Logger
	Registry          *metrics.Registry
	AllowedOrigins    []string
	RequestsPerSecond float64
	Burst             int
}

func (h *TopologyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		logWSError(h.Logger, r, wsError{Status: http.StatusServiceUnavailable, Message: "topology service unavailable"})
		http.Error(w, "topology service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	spanCtx, span := startWebSocketSpan(r, topologyRoute)
	defer span.End()
	ctx, cancel := context.WithCancel(spanCtx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	h.Registry.AddConnections(1)
	defer h.Registry.AddConnections(-1)

	limiter := h.newLimiter()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		requestCtx, cancelRequest := context.WithTimeout(ctx, topologyRequestTimeout)
		response, err := h.Service.Do(requestCtx, string(payload))
		cancelRequest()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			status := http.StatusServiceUnavailable
			logWSError(h.Logger, r, wsError{Status: status, Message: "topology request failed", Err: err})
			closeWebSocket(conn, closeCodeForStatus(status), "topology service unavailable")
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(response.Body)); err != nil {
			return
		}
	}
}

func (h *TopologyHandler) newLimiter() *rate.Limiter {
	perSecond := h.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultTopologyRate
	}
	burst := h.Burst
	if burst <= 0 {
		burst = defaultTopologyBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
