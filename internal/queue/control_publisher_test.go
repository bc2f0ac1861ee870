package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func decode(t *testing.T, msg kafka.Message) ControlCommand {
	t.Helper()
	var cmd ControlCommand
	require.NoError(t, json.Unmarshal(msg.Value, &cmd))
	return cmd
}

func TestControlPublisherEncodesCommands(t *testing.T) {
	w := &captureWriter{}
	p := newControlPublisher(w)
	ctx := context.Background()
	campaignID, taskID := uuid.New(), uuid.New()

	require.NoError(t, p.TriggerWave(ctx, campaignID))
	require.NoError(t, p.Resolve(ctx, taskID, domain.HandlingQueue, "support"))
	require.NoError(t, p.Hangup(ctx, taskID))
	require.Len(t, w.msgs, 3)

	wave := decode(t, w.msgs[0])
	require.Equal(t, CommandTriggerWave, wave.Type)
	require.Equal(t, campaignID, wave.CampaignID)
	require.NotEqual(t, uuid.Nil, wave.ID)
	require.False(t, wave.IssuedAt.IsZero())
	require.Equal(t, campaignID[:], w.msgs[0].Key)

	resolve := decode(t, w.msgs[1])
	require.Equal(t, CommandResolve, resolve.Type)
	require.Equal(t, domain.HandlingQueue, resolve.Handling)
	require.Equal(t, "support", resolve.Target)
	require.Equal(t, taskID[:], w.msgs[1].Key)

	require.Equal(t, CommandHangup, decode(t, w.msgs[2]).Type)
}

func TestControlPublisherRejectsInvalidCommands(t *testing.T) {
	w := &captureWriter{}
	p := newControlPublisher(w)
	ctx := context.Background()

	require.Error(t, p.TriggerWave(ctx, uuid.Nil))
	require.Error(t, p.Resolve(ctx, uuid.New(), "robot", ""))
	require.Error(t, p.Hangup(ctx, uuid.Nil))
	require.Error(t, p.Send(ctx, ControlCommand{Type: "reboot"}))
	require.Empty(t, w.msgs)
}

func TestControlPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	p := newControlPublisher(&captureWriter{err: boom})
	err := p.TriggerWave(context.Background(), uuid.New())
	require.ErrorIs(t, err, boom)
}
