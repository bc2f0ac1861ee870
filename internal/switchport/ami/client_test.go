package ami

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/switchport"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// fakeAsterisk answers actions on the server side of a pipe.
func fakeAsterisk(t *testing.T, conn net.Conn, actions chan<- Message) {
	t.Helper()
	defer close(actions)

	write := func(format string, args ...any) bool {
		_, err := fmt.Fprintf(conn, format, args...)
		return err == nil
	}

	if !write("Asterisk Call Manager/5.0.1\r\n") {
		return
	}
	p := NewParser(conn)
	for {
		msg, ok := p.Next()
		if !ok {
			return
		}
		id := msg.Get("ActionID")
		switch msg.Get("Action") {
		case "Login":
			write("Response: Success\r\nActionID: %s\r\nMessage: Authentication accepted\r\n\r\n", id)
		case "Originate":
			actions <- msg
			write("Response: Success\r\nActionID: %s\r\nMessage: Originate successfully queued\r\n\r\n", id)
			write("Event: VarSet\r\nChannel: PJSIP/trunk-00000001\r\nUniqueid: 1700.1\r\nVariable: DIALER_HANDLE\r\nValue: h-1\r\n\r\n")
			write("Event: OriginateResponse\r\nActionID: %s\r\nResponse: Success\r\nReason: 4\r\nUniqueid: 1700.1\r\n\r\n", id)
		case "Redirect":
			actions <- msg
			write("Response: Success\r\nActionID: %s\r\nMessage: Redirect successful\r\n\r\n", id)
		case "Hangup":
			actions <- msg
			write("Response: Success\r\nActionID: %s\r\nMessage: Channel Hungup\r\n\r\n", id)
			write("Event: Hangup\r\nChannel: PJSIP/trunk-00000001\r\nUniqueid: 1700.1\r\nLinkedid: 1700.1\r\nCause: 16\r\n\r\n")
		default:
			write("Response: Error\r\nActionID: %s\r\nMessage: Invalid/unknown command\r\n\r\n", id)
		}
	}
}

func nextEvent(t *testing.T, events <-chan switchport.Event) switchport.Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return switchport.Event{}
	}
}

func nextAction(t *testing.T, actions <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-actions:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action")
		return Message{}
	}
}

func TestClientOriginateRedirectHangup(t *testing.T) {
	defer goleak.VerifyNone(t)

	server, clientConn := net.Pipe()
	actions := make(chan Message, 8)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		fakeAsterisk(t, server, actions)
	}()

	client := NewClient(Options{
		Addr:           "pbx:5038",
		Username:       "dialer",
		Secret:         "secret",
		HandleVar:      "DIALER_HANDLE",
		ActionTimeout:  2 * time.Second,
		ReconnectDelay: time.Hour,
		Dial: func(context.Context, string) (net.Conn, error) {
			return clientConn, nil
		},
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = client.Run(ctx)
	}()

	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	ack, err := client.Originate(ctx, switchport.OriginateRequest{
		Channel:   "PJSIP/trunk/5551234",
		Context:   "campaign-hold",
		Extension: "s",
		CallerID:  "1000",
		Handle:    "h-1",
		Variables: map[string]string{"DTMF_KEY": "1"},
	})
	require.NoError(t, err)
	require.Equal(t, "h-1", ack.Handle)

	orig := nextAction(t, actions)
	require.Equal(t, "PJSIP/trunk/5551234", orig.Get("Channel"))
	require.Equal(t, "true", orig.Get("Async"))
	require.Equal(t, ack.ActionID, orig.Get("ActionID"))

	evt := nextEvent(t, client.Events())
	require.Equal(t, switchport.EventAcknowledged, evt.Kind)
	require.Equal(t, "1700.1", evt.ConnectionID)

	evt = nextEvent(t, client.Events())
	require.Equal(t, switchport.EventDialOutcome, evt.Kind)
	require.Equal(t, domain.OutcomeAnswered, evt.Outcome)
	require.Equal(t, "h-1", evt.Handle)

	require.NoError(t, client.Redirect(ctx, switchport.RedirectRequest{ConnectionID: "1700.1", Context: "ai-flow", Extension: "sales"}))
	redirect := nextAction(t, actions)
	require.Equal(t, "PJSIP/trunk-00000001", redirect.Get("Channel"))
	require.Equal(t, "ai-flow", redirect.Get("Context"))
	require.Equal(t, "1", redirect.Get("Priority"))

	require.NoError(t, client.Hangup(ctx, "1700.1"))
	nextAction(t, actions)
	evt = nextEvent(t, client.Events())
	require.Equal(t, switchport.EventEnded, evt.Kind)
	require.Equal(t, switchport.CauseNormal, evt.Cause)

	err = client.Hangup(ctx, "1700.1")
	require.ErrorIs(t, err, switchport.ErrUnknownConnection)

	cancel()
	<-runDone
	<-serverDone
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient(Options{Addr: "pbx:5038"}, logger.NewNop())
	_, err := client.Originate(context.Background(), switchport.OriginateRequest{Handle: "h"})
	require.ErrorIs(t, err, switchport.ErrNotConnected)
}
