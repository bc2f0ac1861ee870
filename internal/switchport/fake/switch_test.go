package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/switchport"
)

func collect(t *testing.T, events <-chan switchport.Event, n int) []switchport.Event {
	t.Helper()
	var out []switchport.Event
	for len(out) < n {
		select {
		case evt := <-events:
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBusyCallPlaysAckOutcomeEnded(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw := New(Always(domain.OutcomeBusy, 0))
	ack, err := sw.Originate(context.Background(), switchport.OriginateRequest{Handle: "h1"})
	require.NoError(t, err)

	evs := collect(t, sw.Events(), 3)
	require.Equal(t, switchport.EventAcknowledged, evs[0].Kind)
	require.Equal(t, ack.ActionID, evs[0].ConnectionID)
	require.Equal(t, switchport.EventDialOutcome, evs[1].Kind)
	require.Equal(t, domain.OutcomeBusy, evs[1].Outcome)
	require.Equal(t, switchport.EventEnded, evs[2].Kind)
	require.Equal(t, switchport.CauseBusy, evs[2].Cause)
	require.False(t, sw.Live(ack.ActionID))

	require.NoError(t, sw.Close())
}

func TestOutcomeBeforeAck(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw := New(func(switchport.OriginateRequest) Script {
		return Script{Outcome: domain.OutcomeAnswered, OutcomeBeforeAck: true}
	})
	_, err := sw.Originate(context.Background(), switchport.OriginateRequest{Handle: "h1"})
	require.NoError(t, err)

	evs := collect(t, sw.Events(), 2)
	require.Equal(t, switchport.EventDialOutcome, evs[0].Kind)
	require.Empty(t, evs[0].Handle)
	require.Equal(t, switchport.EventAcknowledged, evs[1].Kind)

	require.NoError(t, sw.Close())
}

func TestRedirectOpensAgentLeg(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw := New(nil)
	ack, err := sw.Originate(context.Background(), switchport.OriginateRequest{Handle: "h1"})
	require.NoError(t, err)
	collect(t, sw.Events(), 2)

	require.NoError(t, sw.Redirect(context.Background(), switchport.RedirectRequest{ConnectionID: ack.ActionID, Context: "queue"}))
	redirects := sw.Redirects()
	require.Len(t, redirects, 1)

	sw.EndAgentLeg(ack.ActionID)
	evs := collect(t, sw.Events(), 1)
	require.Equal(t, redirects[0].AgentLeg, evs[0].ConnectionID)
	require.Equal(t, ack.ActionID, evs[0].LinkedID)
	require.True(t, sw.Live(ack.ActionID))

	require.NoError(t, sw.Hangup(context.Background(), ack.ActionID))
	evs = collect(t, sw.Events(), 1)
	require.Equal(t, ack.ActionID, evs[0].ConnectionID)

	err = sw.Hangup(context.Background(), ack.ActionID)
	require.ErrorIs(t, err, switchport.ErrUnknownConnection)

	require.NoError(t, sw.Close())
}

func TestOriginateError(t *testing.T) {
	boom := errors.New("trunk down")
	sw := New(func(switchport.OriginateRequest) Script { return Script{OriginateErr: boom} })
	_, err := sw.Originate(context.Background(), switchport.OriginateRequest{Handle: "h1"})
	require.ErrorIs(t, err, boom)
	require.Len(t, sw.Originates(), 1)
	require.NoError(t, sw.Close())
}

func TestCloseStopsPendingScripts(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw := New(Always(domain.OutcomeNoAnswer, time.Hour))
	_, err := sw.Originate(context.Background(), switchport.OriginateRequest{Handle: "h1"})
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	_, err = sw.Originate(context.Background(), switchport.OriginateRequest{Handle: "h2"})
	require.ErrorIs(t, err, switchport.ErrNotConnected)
}
