package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/acme/campaign-dialer/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ControlPublisher forwards engine operations to the dialer process over Kafka.
type ControlPublisher struct {
	writer messageWriter
	now    func() time.Time
}

// NewControlPublisher constructs a publisher for the control topic.
func NewControlPublisher(k *Kafka, topic string) *ControlPublisher {
	return newControlPublisher(k.NewWriter(topic))
}

func newControlPublisher(w messageWriter) *ControlPublisher {
	return &ControlPublisher{writer: w, now: func() time.Time { return time.Now().UTC() }}
}

// TriggerWave asks the dialer to run a wave for campaignID.
func (p *ControlPublisher) TriggerWave(ctx context.Context, campaignID uuid.UUID) error {
	return p.Send(ctx, ControlCommand{Type: CommandTriggerWave, CampaignID: campaignID})
}

// Resolve asks the dialer to route an answered task.
func (p *ControlPublisher) Resolve(ctx context.Context, taskID uuid.UUID, handling domain.Handling, target string) error {
	return p.Send(ctx, ControlCommand{Type: CommandResolve, TaskID: taskID, Handling: handling, Target: target})
}

// Hangup asks the dialer to tear down a task's connection.
func (p *ControlPublisher) Hangup(ctx context.Context, taskID uuid.UUID) error {
	return p.Send(ctx, ControlCommand{Type: CommandHangup, TaskID: taskID})
}

// Send validates, stamps and writes cmd.
func (p *ControlPublisher) Send(ctx context.Context, cmd ControlCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = p.now()
	}

	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("control publisher: marshal command: %w", err)
	}
	record := kafka.Message{
		Key:   cmd.Key(),
		Value: value,
		Time:  cmd.IssuedAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("control publisher: write command: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *ControlPublisher) Close() error {
	return p.writer.Close()
}
