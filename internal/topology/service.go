package topology

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"kintampo/internal/logging"
	"kintampo/internal/metrics"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultQueueSize = 16
	requestSpanName  = "topology.request"
)

var (
	ErrServiceStopped = errors.New("topology service stopped")
	ErrAlreadyServing = errors.New("topology service already serving")
)

type Options struct {
	Logger    *logging.Logger
	Registry  *metrics.Registry
	QueueSize int
}

// Response is the reply to a single discovery request. Body is the exact
// text sent on the wire.
type Response struct {
	Request  Request
	Body     string
	Snapshot Snapshot
	Err      error
}

type pendingRequest struct {
	ctx     context.Context
	payload string
	reply   chan Response
}

// Service serializes discovery requests through a single responder loop.
type Service struct {
	root     string
	requests chan pendingRequest
	logger   *logging.Logger
	registry *metrics.Registry
	tracer   trace.Tracer

	mutex   sync.Mutex
	serving bool
	stopped chan struct{}
}

func NewService(root string, options Options) *Service {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Service{
		root:     root,
		requests: make(chan pendingRequest, queueSize),
		logger:   logger.Component("topology"),
		registry: registry,
		tracer:   otelapi.Tracer("kintampo/topology"),
		stopped:  make(chan struct{}),
	}
}

// Serve answers queued requests one at a time until ctx is done.
func (service *Service) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	service.mutex.Lock()
	if service.serving {
		service.mutex.Unlock()
		return ErrAlreadyServing
	}
	service.serving = true
	service.mutex.Unlock()
	defer close(service.stopped)

	service.logger.Info("topology service ready", map[string]string{"root": service.root})
	for {
		select {
		case <-ctx.Done():
			return nil
		case pending := <-service.requests:
			response := service.respond(pending.ctx, pending.payload)
			pending.reply <- response
		}
	}
}

// Do queues payload for the responder loop and waits for its reply. The
// returned error is only set when the request could not be answered at all.
func (service *Service) Do(ctx context.Context, payload string) (Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pending := pendingRequest{
		ctx:     ctx,
		payload: payload,
		reply:   make(chan Response, 1),
	}
	select {
	case service.requests <- pending:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-service.stopped:
		return Response{}, ErrServiceStopped
	}
	select {
	case response := <-pending.reply:
		return response, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-service.stopped:
		return Response{}, ErrServiceStopped
	}
}

func (service *Service) respond(ctx context.Context, payload string) Response {
	request := ParseRequest(payload)
	_, span := service.tracer.Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("topology.request", request.String()),
			attribute.String("topology.root", service.root),
		),
	)
	defer span.End()
	service.registry.IncTopologyRequest(request.String())

	if request != RequestTopology {
		service.logger.Warn("unsupported topology request", map[string]string{
			"payload": payload,
		})
		return Response{Request: request, Body: UnsupportedOperation, Err: ErrUnsupportedOperation}
	}

	snapshot, err := Walk(service.root)
	if err == nil {
		var body []byte
		body, err = snapshot.Encode()
		if err == nil {
			span.SetAttributes(attribute.Int("topology.directories", len(snapshot)))
			service.logger.Debug("topology served", map[string]string{
				"directories": strconv.Itoa(len(snapshot)),
			})
			return Response{Request: request, Body: string(body), Snapshot: snapshot}
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	service.logger.Warn("topology walk failed", map[string]string{
		"root":  service.root,
		"error": err.Error(),
	})
	return Response{Request: request, Body: errorReplyPrefix + err.Error(), Err: err}
}
