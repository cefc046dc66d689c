// Package dispatch moves collect-request sync work out of the web
// request's lifetime: creation writes an outbox row, the relay pushes
// pending rows to the broker, and the consumer performs the actual LIS
// call exactly once per event.
package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/genodx/lis-sync/gateway"
	"github.com/genodx/lis-sync/lisclient"
	"github.com/genodx/lis-sync/repository/models"
)

// Event is the outbox payload identifying a collect request to dispatch.
type Event struct {
	CollectRequestID string `json:"collect_request_id"`
}

// OutboxStore is the slice of the repository the relay drains.
type OutboxStore interface {
	GetPendingOutbox(ctx context.Context, limit int) ([]models.Outbox, error)
	MarkDoneOutboxes(ctx context.Context, ids []int64) error
}

// CollectStore loads collect requests and applies post-sync transitions.
type CollectStore interface {
	GetCollectRequest(ctx context.Context, crID string) (*models.CollectRequest, error)
	MarkCollectRequestDispatched(ctx context.Context, crID string) error
}

// CollectSender is the gateway surface the dispatcher invokes.
type CollectSender interface {
	SendCollectRequest(ctx context.Context, cr *models.CollectRequest) (*lisclient.Response, []gateway.Event, error)
}

// Notifier consumes gateway events after a sync attempt. Content and
// delivery are the collaborator's concern.
type Notifier interface {
	Notify(ctx context.Context, event gateway.Event) error
}

// LogNotifier writes events to the process log. Default collaborator for
// deployments without a notification service.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event gateway.Event) error {
	log.Printf("notify %s: subject=%s user=%s %s", event.Kind, event.Subject, event.UserID, event.Detail)
	return nil
}

// Relay drains pending outbox rows to the broker.
type Relay struct {
	store    OutboxStore
	producer IProducer
}

// NewRelay builds a relay.
func NewRelay(store OutboxStore, producer IProducer) *Relay {
	return &Relay{store: store, producer: producer}
}

// RelayOnce pushes up to limit pending rows and marks them done. Rows
// are marked only after the broker acknowledged them; a crash in between
// re-delivers, so consumers treat events as at-least-once.
func (r *Relay) RelayOnce(ctx context.Context, limit int) error {
	rows, err := r.store.GetPendingOutbox(ctx, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	contents := make([][]byte, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		contents = append(contents, row.Content)
		ids = append(ids, row.ID)
	}

	if err := r.producer.Push(contents); err != nil {
		return err
	}
	return r.store.MarkDoneOutboxes(ctx, ids)
}

// Run relays in a loop until the context is done.
func (r *Relay) Run(ctx context.Context, limit int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RelayOnce(ctx, limit); err != nil {
				log.Printf("outbox relay failed: %v", err)
			}
		}
	}
}

// Dispatcher handles dispatch events: load, sync, transition, notify.
type Dispatcher struct {
	store    CollectStore
	sender   CollectSender
	notifier Notifier
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store CollectStore, sender CollectSender, notifier Notifier) *Dispatcher {
	return &Dispatcher{store: store, sender: sender, notifier: notifier}
}

// HandleEvent performs one logistics sync. The status transition happens
// only after the LIS accepted the request; gateway events reach the
// notifier either way.
func (d *Dispatcher) HandleEvent(ctx context.Context, event Event) error {
	cr, err := d.store.GetCollectRequest(ctx, event.CollectRequestID)
	if err != nil {
		return err
	}

	_, events, sendErr := d.sender.SendCollectRequest(ctx, cr)
	for _, ev := range events {
		if err := d.notifier.Notify(ctx, ev); err != nil {
			log.Printf("notifier failed for %s: %v", ev.Kind, err)
		}
	}
	if sendErr != nil {
		return sendErr
	}

	return d.store.MarkCollectRequestDispatched(ctx, cr.ID)
}

// Consume processes dispatch events from the broker until the context is
// done. Failed events are logged and skipped; the outbox row was already
// relayed, so redelivery is an operational action.
func (d *Dispatcher) Consume(ctx context.Context, consumer IConsumer) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-consumer.Messages():
			// The broker closing the channel would otherwise deliver
			// nil messages in a tight loop.
			if !ok || msg == nil {
				log.Println("consumer message channel closed, stopping")
				return
			}
			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				log.Printf("malformed dispatch event at offset %d: %v", msg.Offset, err)
				continue
			}
			if err := d.HandleEvent(ctx, event); err != nil {
				log.Printf("dispatch of %s failed: %v", event.CollectRequestID, err)
			}
		case err := <-consumer.Errors():
			log.Printf("failed to consume message: %s", err)
		}
	}
}
