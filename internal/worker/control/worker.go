package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/queue"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Engine runs the operations control commands ask for.
type Engine interface {
	TriggerWave(ctx context.Context, campaignID uuid.UUID) error
	Resolve(ctx context.Context, taskID uuid.UUID, handling domain.Handling, target string) error
	Hangup(ctx context.Context, taskID uuid.UUID) error
}

// Reader is the subset of *kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes control commands and dispatches them to the dialer.
type Worker struct {
	reader Reader
	engine Engine
	log    *logger.Logger
}

// New creates a control worker over reader.
func New(reader Reader, engine Engine, log *logger.Logger) *Worker {
	return &Worker{reader: reader, engine: engine, log: log.Named("control_worker")}
}

// Run processes commands until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			w.log.Error("control worker: fetch", zap.Error(err))
			continue
		}

		if err := w.process(ctx, msg); err != nil {
			w.log.Warn("control worker: command failed", zap.Error(err))
		}
		if err := w.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			w.log.Error("control worker: commit", zap.Error(err))
		}
	}
}

// process decodes and runs one command. Failed commands are still committed.
func (w *Worker) process(ctx context.Context, msg kafka.Message) error {
	var cmd queue.ControlCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	sctx, span := otel.Tracer("dialer.controlworker").Start(ctx, "control."+string(cmd.Type), trace.WithAttributes(
		attribute.String("command.id", cmd.ID.String()),
		attribute.String("campaign.id", cmd.CampaignID.String()),
		attribute.String("task.id", cmd.TaskID.String()),
	))
	defer span.End()

	err := w.Dispatch(sctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Dispatch runs cmd against the engine.
func (w *Worker) Dispatch(ctx context.Context, cmd queue.ControlCommand) error {
	var err error
	switch cmd.Type {
	case queue.CommandTriggerWave:
		err = w.engine.TriggerWave(ctx, cmd.CampaignID)
	case queue.CommandResolve:
		err = w.engine.Resolve(ctx, cmd.TaskID, cmd.Handling, cmd.Target)
	case queue.CommandHangup:
		err = w.engine.Hangup(ctx, cmd.TaskID)
	default:
		return fmt.Errorf("control worker: unknown command %q", cmd.Type)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrInvalidState) || apperrors.Is(err, apperrors.ErrNotFound) {
			w.log.Info("control command no longer applies",
				zap.String("type", string(cmd.Type)),
				zap.String("task_id", cmd.TaskID.String()),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("control worker: %s: %w", cmd.Type, err)
	}
	w.log.Debug("control command applied",
		zap.String("id", cmd.ID.String()),
		zap.String("type", string(cmd.Type)),
	)
	return nil
}
