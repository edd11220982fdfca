// Package callbacks turns vendor webhooks into task observations, either
// inline in the API or from the Kafka callback topic.
package callbacks

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/auth"
	"github.com/adflow/adflow/pkg/eventbus"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/taskclient"
	"github.com/adflow/adflow/pkg/workflow"
)

var (
	ErrUnknownVendor = errors.New("unknown callback vendor")
	ErrMalformed     = errors.New("malformed callback")
)

type Observer interface {
	Observe(ctx context.Context, obs workflow.TaskObserved) (*model.WorkflowRecord, error)
}

type TokenValidator interface {
	Validate(token string) (*auth.CallbackTokenClaims, error)
}

type Processor struct {
	parsers  map[string]taskclient.CallbackParser
	tokens   TokenValidator
	observer Observer
	logger   *zap.Logger
}

func NewProcessor(parsers map[string]taskclient.CallbackParser, tokens TokenValidator, observer Observer, logger *zap.Logger) *Processor {
	return &Processor{parsers: parsers, tokens: tokens, observer: observer, logger: logger}
}

// Verify authenticates a webhook without acting on it.
func (p *Processor) Verify(vendor, token string) (*auth.CallbackTokenClaims, error) {
	if _, ok := p.parsers[vendor]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, vendor)
	}
	return p.tokens.Validate(token)
}

// Process applies a webhook. Observations that no longer match an active
// task return a nil record and no error.
func (p *Processor) Process(ctx context.Context, vendor, token string, body []byte) (*model.WorkflowRecord, error) {
	claims, err := p.Verify(vendor, token)
	if err != nil {
		return nil, err
	}
	workflowID, err := claims.Workflow()
	if err != nil {
		return nil, err
	}

	status, err := p.parsers[vendor].ParseCallback(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rec, err := p.observer.Observe(ctx, workflow.TaskObserved{
		TaskID:     status.TaskID,
		WorkflowID: workflowID,
		Status:     *status,
	})
	if errors.Is(err, workflow.ErrStaleObservation) {
		p.logger.Info("ignoring stale callback",
			zap.String("vendor", vendor),
			zap.String("workflow_id", workflowID.String()),
			zap.String("task_id", status.TaskID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.logger.Debug("callback applied",
		zap.String("vendor", vendor),
		zap.String("workflow_id", workflowID.String()),
		zap.String("task_id", status.TaskID),
		zap.String("state", string(status.State)),
	)
	return rec, nil
}

// KafkaHandler consumes queued webhooks. Deliveries that can never succeed
// are dropped; anything else is returned for retry.
func (p *Processor) KafkaHandler() eventbus.KafkaHandler {
	return func(ctx context.Context, message kafka.Message) error {
		cb, err := eventbus.DecodeCallback(message)
		if err != nil {
			p.logger.Warn("dropping undecodable callback", zap.Error(err))
			return nil
		}
		_, err = p.Process(ctx, cb.Vendor, cb.Token, cb.Body)
		if Permanent(err) {
			p.logger.Warn("dropping callback", zap.String("vendor", cb.Vendor), zap.String("event_id", cb.EventID), zap.Error(err))
			return nil
		}
		return err
	}
}

// Permanent reports errors a redelivery cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, ErrUnknownVendor) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, workflow.ErrInvalidInput) ||
		errors.Is(err, workflow.ErrNotFound)
}
