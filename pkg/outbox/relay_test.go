package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/store/postgres"
	"github.com/adflow/adflow/pkg/store/storetest"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func seedEvents(t *testing.T, n int) (*postgres.OutboxRepository, *postgres.WorkflowRepository, *model.WorkflowRecord) {
	t.Helper()
	db := storetest.Open(t)
	records := postgres.NewWorkflowRepository(db)

	rec := &model.WorkflowRecord{
		ID:          uuid.New(),
		UserID:      "user_outbox",
		Variant:     model.VariantStandard,
		Status:      model.StatusPending,
		CurrentStep: model.StepPending,
	}
	events := make([]*model.WorkflowEvent, n)
	for i := range events {
		events[i] = &model.WorkflowEvent{
			WorkflowID: rec.ID,
			EventType:  model.EventWorkflowCreated,
			Payload:    model.JSONB{"workflow_id": rec.ID.String(), "seq": i},
			Status:     model.OutboxStatusPending,
		}
	}
	if err := records.CreateWithOutbox(context.Background(), []*model.WorkflowRecord{rec}, events); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return postgres.NewOutboxRepository(db), records, rec
}

func TestRelayPublishesPendingEvents(t *testing.T) {
	repo, _, rec := seedEvents(t, 2)
	writer := &recordingWriter{}
	relay := NewRelay(repo, writer, nil, zap.NewNop(), 0, 10)

	if got := relay.ProcessPending(context.Background()); got != 2 {
		t.Fatalf("expected 2 events relayed, got %d", got)
	}
	if len(writer.messages) != 2 {
		t.Fatalf("expected 2 kafka messages, got %d", len(writer.messages))
	}

	msg := writer.messages[0]
	if string(msg.Key) != rec.ID.String() {
		t.Fatalf("expected message keyed by workflow id, got %s", msg.Key)
	}
	var decoded Message
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EventType != model.EventWorkflowCreated || decoded.WorkflowID != rec.ID.String() {
		t.Fatalf("unexpected message %+v", decoded)
	}
	if len(msg.Headers) != 2 || msg.Headers[0].Key != HeaderEventID || string(msg.Headers[0].Value) != decoded.EventID {
		t.Fatalf("expected event id header, got %+v", msg.Headers)
	}

	pending, err := repo.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending events, got %d", len(pending))
	}
	if got := relay.ProcessPending(context.Background()); got != 0 {
		t.Fatalf("expected nothing left to relay, got %d", got)
	}
}

func TestRelayDeadLettersUnpublishableEvents(t *testing.T) {
	repo, _, rec := seedEvents(t, 1)
	dlq := &recordingWriter{}
	relay := NewRelay(repo, &recordingWriter{err: errors.New("broker unavailable")}, dlq, zap.NewNop(), 0, 10)

	if got := relay.ProcessPending(context.Background()); got != 1 {
		t.Fatalf("expected the event dead-lettered, got %d", got)
	}
	if len(dlq.messages) != 1 {
		t.Fatalf("expected one DLQ message, got %d", len(dlq.messages))
	}
	var decoded DLQMessage
	if err := json.Unmarshal(dlq.messages[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error != "broker unavailable" || decoded.Event.WorkflowID != rec.ID.String() {
		t.Fatalf("unexpected DLQ payload %+v", decoded)
	}

	events, err := repo.ListByWorkflow(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if events[0].Status != model.OutboxStatusFailed {
		t.Fatalf("expected event marked failed, got %s", events[0].Status)
	}
}

func TestRelayKeepsEventsPendingWithoutDLQ(t *testing.T) {
	repo, _, _ := seedEvents(t, 1)
	relay := NewRelay(repo, &recordingWriter{err: errors.New("broker unavailable")}, nil, zap.NewNop(), 0, 10)

	if got := relay.ProcessPending(context.Background()); got != 0 {
		t.Fatalf("expected nothing relayed, got %d", got)
	}
	pending, err := repo.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected the event retried later, got %d pending", len(pending))
	}
}
