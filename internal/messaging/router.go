package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/google/uuid"
)

// Submitter receives inbound events for debounced processing.
type Submitter interface {
	Submit(key string, event models.BufferedEvent) error
}

// Router drains the messaging service's response channel and submits each
// inbound message to the debounce aggregator. Submission is fire-and-forget
// from the sender's point of view; failures are logged, never surfaced.
type Router struct {
	service   Service
	submitter Submitter
	wg        sync.WaitGroup
}

// NewRouter creates a router from the service's responses to the submitter.
func NewRouter(service Service, submitter Submitter) *Router {
	return &Router{service: service, submitter: submitter}
}

// Start begins consuming inbound responses until the context is cancelled
// or the service closes its channel.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		slog.Debug("Router consuming inbound responses")
		for {
			select {
			case resp, ok := <-r.service.Responses():
				if !ok {
					slog.Debug("Router response channel closed")
					return
				}
				r.route(resp)
			case <-ctx.Done():
				slog.Debug("Router stopping due to context cancellation")
				return
			}
		}
	}()
}

// Wait blocks until the routing goroutine has exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

// route converts one inbound response into a buffered event.
func (r *Router) route(resp models.Response) {
	key, err := r.service.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("Router dropping response with invalid sender", "error", err, "from", resp.From)
		return
	}
	key = "+" + key

	event := models.BufferedEvent{
		ID:        uuid.NewString(),
		Content:   resp.Body,
		Timestamp: time.Unix(resp.Time, 0),
		MediaRef:  resp.MediaRef,
		MediaKind: resp.MediaKind,
	}
	if err := r.submitter.Submit(key, event); err != nil {
		slog.Error("Router failed to submit inbound event", "error", err, "key", key)
		return
	}
	slog.Debug("Router submitted inbound event", "key", key, "event_id", event.ID)
}
