package client

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/xid"

	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/amid/internal/wire"
	"pkt.systems/pslog"
)

// ErrClosed is returned by calls on a closed client or after the server
// dropped the connection.
var ErrClosed = errors.New("client: connection closed")

// ActionError is an Error reply.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: %s failed", e.Action)
	}
	return fmt.Sprintf("client: %s: %s", e.Action, e.Message)
}

// Block is one received header block.
type Block []wire.Header

// Get returns the first value of name, matched case-insensitively.
func (b Block) Get(name string) string {
	for _, h := range b {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Name is the event name, empty for replies.
func (b Block) Name() string { return b.Get("Event") }

// String renders the block in wire form.
func (b Block) String() string { return wire.Encode(b) }

// Response is the reply to one action.
type Response struct {
	Block
	// Output is the free-form body of a Follows reply.
	Output string
	// Events holds the events of a list reply, the closing event included.
	Events []Block
}

// Kind is the Response header value (Success, Error, Follows, Goodbye).
func (r *Response) Kind() string { return r.Get("Response") }

// Message is the Message header value.
func (r *Response) Message() string { return r.Get("Message") }

// Option configures a Client.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics. Passing nil keeps
// the no-op logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = svcfields.WithSubsystem(logger, "client")
		}
	}
}

// WithTLSConfig dials with TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithDialTimeout bounds connection setup including the greeting.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

type call struct {
	action   string
	list     bool
	complete string
	resp     *Response
	done     chan struct{}
}

// Client is a manager protocol connection.
type Client struct {
	conn        net.Conn
	rd          *wire.Reader
	banner      string
	logger      pslog.Logger
	tlsConfig   *tls.Config
	dialTimeout time.Duration

	writeMu sync.Mutex
	prefix  string
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]*call
	err     error

	evMu     sync.Mutex
	evQueue  *queue.Queue
	evSignal chan struct{}
	events   chan Block

	closed    chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

// Dial connects to addr and reads the greeting.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := newClient(opts...)
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if c.tlsConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: c.tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	if err := c.start(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the protocol over an established connection. It reads the
// greeting before returning.
func NewClient(conn net.Conn, opts ...Option) (*Client, error) {
	c := newClient(opts...)
	if err := c.start(conn); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(opts ...Option) *Client {
	c := &Client{
		logger:      pslog.NoopLogger(),
		dialTimeout: 10 * time.Second,
		prefix:      xid.New().String(),
		pending:     make(map[string]*call),
		evQueue:     queue.New(),
		evSignal:    make(chan struct{}, 1),
		events:      make(chan Block),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) start(conn net.Conn) error {
	c.conn = conn
	c.rd = wire.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(c.dialTimeout))
	banner, err := c.rd.ReadLine()
	if err != nil {
		return fmt.Errorf("client: read greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.banner = banner
	c.logger.Debug("amid.client.connected", "remote", conn.RemoteAddr().String(), "banner", banner)
	c.done.Add(2)
	go c.readLoop()
	go c.pumpEvents()
	return nil
}

// Banner returns the greeting line.
func (c *Client) Banner() string { return c.banner }

// Events delivers unsolicited events in arrival order. The channel is
// closed once the connection ends; events still buffered then are dropped.
func (c *Client) Events() <-chan Block { return c.events }

// Close drops the connection and waits for the background goroutines.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	c.done.Wait()
	return err
}

// Err reports why the connection ended, or nil while it is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Action sends one action and waits for its reply. headers are name/value
// pairs; an odd trailing name is sent with an empty value.
func (c *Client) Action(ctx context.Context, action string, headers ...string) (*Response, error) {
	return c.do(ctx, &call{action: action}, headers)
}

// ActionList sends an action whose reply is followed by events carrying its
// ActionID. Events are collected until one named complete arrives, or one
// marked "EventList: Complete" when complete is empty.
func (c *Client) ActionList(ctx context.Context, action, complete string, headers ...string) (*Response, error) {
	return c.do(ctx, &call{action: action, list: true, complete: complete}, headers)
}

func (c *Client) do(ctx context.Context, cl *call, headers []string) (*Response, error) {
	cl.done = make(chan struct{})
	id := fmt.Sprintf("%s-%d", c.prefix, c.seq.Add(1))

	var b wire.Builder
	b.Header("Action", cl.action).Header("ActionID", id)
	for i := 0; i < len(headers); i += 2 {
		value := ""
		if i+1 < len(headers) {
			value = headers[i+1]
		}
		b.Header(headers[i], value)
	}
	b.End()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = cl
	c.mu.Unlock()

	if err := c.write(ctx, b.String()); err != nil {
		c.forget(id)
		return nil, err
	}
	select {
	case <-cl.done:
		if cl.resp == nil {
			return nil, c.Err()
		}
		if strings.EqualFold(cl.resp.Kind(), "Error") {
			return cl.resp, &ActionError{Action: cl.action, Message: cl.resp.Message()}
		}
		return cl.resp, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write([]byte(text)); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.done.Done()
	for {
		headers, output, err := c.rd.ReadBlock()
		if err != nil {
			c.fail(err)
			return
		}
		c.route(Block(headers), output)
	}
}

func (c *Client) route(b Block, output string) {
	id := b.Get("ActionID")
	c.mu.Lock()
	cl := c.pending[id]
	if cl == nil {
		c.mu.Unlock()
		if b.Name() != "" {
			c.queueEvent(b)
		} else {
			c.logger.Debug("amid.client.unmatched_reply", "action_id", id)
		}
		return
	}
	if b.Name() == "" {
		cl.resp = &Response{Block: b, Output: output}
		if !cl.list || strings.EqualFold(cl.resp.Kind(), "Error") {
			delete(c.pending, id)
			close(cl.done)
		}
		c.mu.Unlock()
		return
	}
	if cl.resp == nil {
		// event ahead of the reply: not ours to collect
		c.mu.Unlock()
		c.queueEvent(b)
		return
	}
	cl.resp.Events = append(cl.resp.Events, b)
	if (cl.complete != "" && strings.EqualFold(b.Name(), cl.complete)) ||
		(cl.complete == "" && strings.EqualFold(b.Get("EventList"), "Complete")) {
		delete(c.pending, id)
		close(cl.done)
	}
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	select {
	case <-c.closed:
		err = ErrClosed
	default:
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	for id, cl := range c.pending {
		delete(c.pending, id)
		close(cl.done)
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	c.logger.Debug("amid.client.disconnected", "error", err)
}

func (c *Client) queueEvent(b Block) {
	c.evMu.Lock()
	c.evQueue.Add(b)
	c.evMu.Unlock()
	select {
	case c.evSignal <- struct{}{}:
	default:
	}
}

// pumpEvents moves buffered events to the Events channel so a slow reader
// never stalls reply routing.
func (c *Client) pumpEvents() {
	defer c.done.Done()
	defer close(c.events)
	for {
		c.evMu.Lock()
		var next Block
		have := c.evQueue.Length() > 0
		if have {
			next = c.evQueue.Remove().(Block)
		}
		c.evMu.Unlock()
		if !have {
			select {
			case <-c.evSignal:
				continue
			case <-c.closed:
				return
			}
		}
		select {
		case c.events <- next:
		case <-c.closed:
			return
		}
	}
}

// Login authenticates with a plain secret. events, when given, sets the
// initial event mask (for example "on", "off" or "call,system").
func (c *Client) Login(ctx context.Context, username, secret string, events ...string) error {
	headers := []string{"Username", username, "Secret", secret}
	if len(events) > 0 {
		headers = append(headers, "Events", strings.Join(events, ","))
	}
	_, err := c.Action(ctx, "Login", headers...)
	return err
}

// LoginMD5 authenticates through the MD5 challenge exchange so the secret
// never crosses the wire.
func (c *Client) LoginMD5(ctx context.Context, username, secret string) error {
	resp, err := c.Action(ctx, "Challenge", "AuthType", "MD5")
	if err != nil {
		return err
	}
	sum := md5.Sum([]byte(resp.Get("Challenge") + secret))
	_, err = c.Action(ctx, "Login", "AuthType", "MD5", "Username", username, "Key", hex.EncodeToString(sum[:]))
	return err
}

// Logoff ends the session. The server closes the connection after replying.
func (c *Client) Logoff(ctx context.Context) error {
	_, err := c.Action(ctx, "Logoff")
	return err
}

// Ping checks the session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Action(ctx, "Ping")
	return err
}

// Command runs a console command and returns its output.
func (c *Client) Command(ctx context.Context, command string) (string, error) {
	resp, err := c.Action(ctx, "Command", "Command", command)
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

// WaitEvent long-polls for events. The events released by the poll are
// queued on Events before WaitEvent returns. timeout <= 0 waits without a
// server-side limit.
func (c *Client) WaitEvent(ctx context.Context, timeout time.Duration) (*Response, error) {
	var headers []string
	if timeout > 0 {
		headers = []string{"Timeout", fmt.Sprint(int(timeout / time.Second))}
	}
	return c.ActionList(ctx, "WaitEvent", "WaitEventComplete", headers...)
}
