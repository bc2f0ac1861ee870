package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/switchport"
	"github.com/acme/campaign-dialer/pkg/logger"
)

var errActionTimeout = errors.New("action timed out")

// Options configures the manager client.
type Options struct {
	Addr           string
	Username       string
	Secret         string
	HandleVar      string
	DialTimeout    time.Duration
	ActionTimeout  time.Duration
	ReconnectDelay time.Duration
	// Dial overrides the TCP dialer; tests inject in-memory pipes.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Client is a switchport.Port backed by one AMI session that reconnects on failure.
type Client struct {
	opts   Options
	log    *logger.Logger
	events chan switchport.Event
	prefix string
	seq    atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan Message
	mapper  *mapper
}

var _ switchport.Port = (*Client)(nil)

// NewClient constructs a client. Call Run to connect.
func NewClient(opts Options, log *logger.Logger) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 5 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.HandleVar == "" {
		opts.HandleVar = "DIALER_HANDLE"
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{
		opts:    opts,
		log:     log.Named("ami"),
		events:  make(chan switchport.Event, 256),
		prefix:  uuid.NewString()[:8],
		pending: make(map[string]chan Message),
		mapper:  newMapper(opts.HandleVar),
	}
}

// Events returns the normalized event stream. It is closed when Run returns.
func (c *Client) Events() <-chan switchport.Event {
	return c.events
}

// Connected reports whether a logged-in session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps a session open until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("ami session ended, reconnecting",
			zap.String("addr", c.opts.Addr),
			zap.Duration("delay", c.opts.ReconnectDelay),
			zap.Error(err),
		)
		select {
		case <-time.After(c.opts.ReconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dial(dialCtx, c.opts.Addr)
	cancel()
	if err != nil {
		return fmt.Errorf("ami: dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	banner, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("ami: read banner: %w", err)
	}
	c.log.Info("ami connected", zap.String("banner", strings.TrimSpace(banner)))

	parser := NewParser(reader)
	if err := c.login(conn, parser); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.disconnect()

	for {
		msg, ok := parser.Next()
		if !ok {
			if err := parser.Err(); err != nil {
				return fmt.Errorf("ami: read: %w", err)
			}
			return errors.New("ami: connection closed")
		}
		if !c.dispatch(ctx, msg) {
			return ctx.Err()
		}
	}
}

func (c *Client) login(conn net.Conn, parser *Parser) error {
	login := NewAction("Login", c.nextID()).
		Set("Username", c.opts.Username).
		Set("Secret", c.opts.Secret).
		Set("Events", "on")
	if _, err := conn.Write(login.Encode()); err != nil {
		return fmt.Errorf("ami: send login: %w", err)
	}

	for {
		msg, ok := parser.Next()
		if !ok {
			return errors.New("ami: connection closed during login")
		}
		if !msg.IsResponse() {
			continue
		}
		if msg.Get("Response") != "Success" {
			return fmt.Errorf("ami: login rejected: %s", msg.Get("Message"))
		}
		return nil
	}
}

func (c *Client) dispatch(ctx context.Context, msg Message) bool {
	if msg.IsResponse() {
		c.mu.Lock()
		ch, ok := c.pending[msg.Get("ActionID")]
		delete(c.pending, msg.Get("ActionID"))
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return true
	}

	c.mu.Lock()
	events := c.mapper.Map(msg)
	c.mu.Unlock()

	for _, evt := range events {
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	// responses for queued originations are lost with the session
	for id := range c.mapper.originates {
		c.mapper.forgetOriginate(id)
	}
}

func (c *Client) nextID() string {
	return c.prefix + "-" + strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) action(ctx context.Context, a *Action) (Message, error) {
	ch := make(chan Message, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Message{}, switchport.ErrNotConnected
	}
	c.pending[a.ActionID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err := conn.Write(a.Encode())
	c.writeMu.Unlock()
	if err != nil {
		c.forget(a.ActionID)
		return Message{}, fmt.Errorf("ami: %s: write: %w", a.Name, err)
	}

	timer := time.NewTimer(c.opts.ActionTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, switchport.ErrNotConnected
		}
		if msg.Get("Response") != "Success" {
			return msg, fmt.Errorf("ami: %s: %s", a.Name, msg.Get("Message"))
		}
		return msg, nil
	case <-ctx.Done():
		c.forget(a.ActionID)
		return Message{}, ctx.Err()
	case <-timer.C:
		c.forget(a.ActionID)
		return Message{}, fmt.Errorf("ami: %s: %w", a.Name, errActionTimeout)
	}
}

func (c *Client) forget(actionID string) {
	c.mu.Lock()
	delete(c.pending, actionID)
	c.mu.Unlock()
}

// Originate queues an asynchronous origination. The correlation handle rides along as a
// channel variable so the switch echoes it back on VarSet.
func (c *Client) Originate(ctx context.Context, req switchport.OriginateRequest) (switchport.Ack, error) {
	id := c.nextID()
	priority := req.Priority
	if priority <= 0 {
		priority = 1
	}

	a := NewAction("Originate", id).
		Set("Channel", req.Channel).
		Set("Context", req.Context).
		Set("Exten", req.Extension).
		Set("Priority", strconv.Itoa(priority)).
		Set("CallerID", req.CallerID).
		Set("Async", "true")
	if req.Timeout > 0 {
		a.Set("Timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))
	}
	a.Variables = make(map[string]string, len(req.Variables)+1)
	for k, v := range req.Variables {
		a.Variables[k] = v
	}
	a.Variables[c.opts.HandleVar] = req.Handle

	c.mu.Lock()
	c.mapper.trackOriginate(id, req.Handle)
	c.mu.Unlock()

	if _, err := c.action(ctx, a); err != nil {
		c.mu.Lock()
		c.mapper.forgetOriginate(id)
		c.mu.Unlock()
		return switchport.Ack{}, err
	}
	return switchport.Ack{Handle: req.Handle, ActionID: id}, nil
}

// Redirect moves a live connection to another dialplan location.
func (c *Client) Redirect(ctx context.Context, req switchport.RedirectRequest) error {
	channel, err := c.channelFor(req.ConnectionID)
	if err != nil {
		return err
	}
	priority := req.Priority
	if priority <= 0 {
		priority = 1
	}
	a := NewAction("Redirect", c.nextID()).
		Set("Channel", channel).
		Set("Context", req.Context).
		Set("Exten", req.Extension).
		Set("Priority", strconv.Itoa(priority))
	_, err = c.action(ctx, a)
	return err
}

// Hangup clears a live connection with normal clearing.
func (c *Client) Hangup(ctx context.Context, connectionID string) error {
	channel, err := c.channelFor(connectionID)
	if err != nil {
		return err
	}
	a := NewAction("Hangup", c.nextID()).
		Set("Channel", channel).
		Set("Cause", "16")
	_, err = c.action(ctx, a)
	return err
}

func (c *Client) channelFor(connectionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.mapper.channel(connectionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", switchport.ErrUnknownConnection, connectionID)
	}
	return ch, nil
}
