package messaging

import (
	"context"
	"hash/fnv"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// DefaultResponseWorkers is how many conversations a ResponseHandler serves in parallel.
const DefaultResponseWorkers = 8

// InboundFunc processes one incoming message.
type InboundFunc func(ctx context.Context, msg models.InboundMessage) error

// ResponseHandlerOpts configures a ResponseHandler.
type ResponseHandlerOpts struct {
	Workers int
}

// ResponseHandlerOption mutates ResponseHandlerOpts.
type ResponseHandlerOption func(*ResponseHandlerOpts)

// WithWorkers sets the number of parallel workers.
func WithWorkers(n int) ResponseHandlerOption {
	return func(o *ResponseHandlerOpts) { o.Workers = n }
}

// ResponseHandler drains a service's Responses channel into an InboundFunc. Messages
// of one conversation always go to the same worker, so they are handled in arrival order.
type ResponseHandler struct {
	svc     Service
	handle  InboundFunc
	workers int
}

// NewResponseHandler creates a handler for svc.
func NewResponseHandler(svc Service, handle InboundFunc, opts ...ResponseHandlerOption) *ResponseHandler {
	cfg := ResponseHandlerOpts{Workers: DefaultResponseWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultResponseWorkers
	}
	return &ResponseHandler{svc: svc, handle: handle, workers: cfg.Workers}
}

// Run blocks until ctx is cancelled or the service closes its Responses channel, then
// waits for in-flight messages.
func (rh *ResponseHandler) Run(ctx context.Context) error {
	name := string(rh.svc.Channel())
	slog.Info("ResponseHandler.Run: starting", "channel", name, "workers", rh.workers)

	shards := make([]chan models.InboundMessage, rh.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		shard := make(chan models.InboundMessage, DefaultChannelBufferSize)
		shards[i] = shard
		g.Go(func() error {
			for msg := range shard {
				if err := rh.handle(gctx, msg); err != nil {
					slog.Error("ResponseHandler.Run: message handling failed", "channel", name,
						"conversation", msg.ConversationID(), "message_id", msg.MessageID, "error", err)
				}
			}
			return nil
		})
	}

	responses := rh.svc.Responses()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-responses:
			if !ok {
				break loop
			}
			shard := shards[shardFor(msg.ConversationID(), len(shards))]
			select {
			case shard <- msg:
			case <-ctx.Done():
				break loop
			}
		}
	}

	for _, shard := range shards {
		close(shard)
	}
	err := g.Wait()
	slog.Info("ResponseHandler.Run: stopped", "channel", name)
	return err
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
