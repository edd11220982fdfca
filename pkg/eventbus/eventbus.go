package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/model"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// WorkflowStatus is what clients watching a workflow see after every
// transition.
type WorkflowStatus struct {
	WorkflowID   string `json:"workflow_id"`
	Variant      string `json:"variant"`
	Status       string `json:"status"`
	Step         string `json:"step"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	Version      int    `json:"version"`
}

const (
	EventWorkflowStatus = "workflow_status"

	channelWorkflowPrefix = "adflow:events:workflow:"
)

func WorkflowChannel(id uuid.UUID) string {
	return channelWorkflowPrefix + id.String()
}

func StatusOf(rec *model.WorkflowRecord) WorkflowStatus {
	status := WorkflowStatus{
		WorkflowID:   rec.ID.String(),
		Variant:      string(rec.Variant),
		Status:       string(rec.Status),
		Step:         string(rec.CurrentStep),
		Progress:     rec.ProgressPercentage,
		ErrorMessage: rec.ErrorMessage,
		Version:      rec.Version,
	}
	if rec.BatchID != nil {
		status.BatchID = rec.BatchID.String()
	}
	return status
}

// Bus fans workflow transitions out to live subscribers over redis pub/sub.
// A Bus without a client drops everything.
type Bus struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewBus(client redis.UniversalClient, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, logger: logger}
}

func (b *Bus) Enabled() bool {
	return b != nil && b.client != nil
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	if !b.Enabled() {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// Notify publishes rec's status. Delivery is best effort: subscribers that
// miss an event catch up from the status endpoint.
func (b *Bus) Notify(ctx context.Context, rec *model.WorkflowRecord) {
	if !b.Enabled() {
		return
	}
	event, err := NewEvent(EventWorkflowStatus, StatusOf(rec))
	if err != nil {
		b.logger.Warn("failed to encode workflow event", zap.Error(err))
		return
	}
	if err := b.Publish(ctx, WorkflowChannel(rec.ID), event); err != nil {
		b.logger.Warn("failed to publish workflow event",
			zap.String("workflow_id", rec.ID.String()),
			zap.Error(err),
		)
	}
}

// Subscribe streams events from channels until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	ch := make(chan *Event, 100)
	if !b.Enabled() {
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch
	}

	sub := b.client.Subscribe(ctx, channels...)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case ch <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
