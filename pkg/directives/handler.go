// Package directives applies merge directives arriving over Kafka. The
// payloads match the POST /merge body, so external systems can drive links,
// unlinks, and tags asynchronously.
package directives

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Handler applies merge directives to the engine.
type Handler struct {
	engine *engine.Engine
	logger ectologger.Logger
}

// NewHandler creates a directive handler
func NewHandler(eng *engine.Engine, logger ectologger.Logger) *Handler {
	return &Handler{
		engine: eng,
		logger: logger,
	}
}

// Handle processes one directive message. Malformed payloads and precondition
// failures are committed so they never redeliver; anything else is left
// uncommitted and retried.
func (h *Handler) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":  msg.Topic,
		"offset": msg.Offset,
		"key":    msg.Key,
	})

	req, err := msg.ParseMergeRequest()
	if err != nil {
		log.WithError(err).Error("Dropping unparseable merge directive")
		metrics.RecordDirective("malformed")
		return nil
	}

	if _, err := utils.Validate(*req); err != nil {
		log.WithError(err).Error("Dropping invalid merge directive")
		metrics.RecordDirective("invalid")
		return nil
	}

	entityID, err := h.apply(ctx, req)
	if err != nil {
		// A contradiction is deterministic; redelivery can never succeed. The
		// engine has already raised the alert, so the message is committed.
		if errors.Is(err, engine.ErrContradiction) {
			log.WithError(err).Error("Merge directive hit a partition contradiction")
			metrics.RecordDirective("contradiction")
			return nil
		}
		if engine.IsPrecondition(err) {
			log.WithError(err).WithFields(map[string]any{
				"op": string(req.Op),
			}).Warn("Merge directive rejected")
			metrics.RecordDirective("rejected")
			return nil
		}
		metrics.RecordDirective("error")
		return err
	}

	log.WithFields(map[string]any{
		"op":        string(req.Op),
		"entity_id": entityID,
	}).Info("Applied merge directive")
	metrics.RecordDirective("applied")
	return nil
}

func (h *Handler) apply(ctx context.Context, req *models.MergeRequest) (string, error) {
	switch req.Op {
	case models.MergeOpLink:
		return h.engine.Link(ctx, req.Targets)
	case models.MergeOpUnlink:
		return h.engine.Unlink(ctx, req.Targets)
	case models.MergeOpTag:
		return h.engine.Tag(ctx, req.Targets, req.TagOwner, req.TagName, req.TagValue)
	default:
		return "", fmt.Errorf("%w: unknown op %q", engine.ErrInvalidRecord, req.Op)
	}
}
