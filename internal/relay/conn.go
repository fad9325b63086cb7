package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"github.com/vspecky/softerview/internal/protocol"
)

var (
	ErrClosed         = errors.New("relay connection closed")
	ErrSendBufferFull = errors.New("relay send buffer full")
)

type ConnOptions struct {
	HTTPClient *http.Client
	Logger     Logger
	// SendBuffer bounds frames queued for the writer goroutine.
	SendBuffer int
	// DialTimeout bounds the total time spent retrying the handshake.
	DialTimeout time.Duration
	ReadLimit   int64
}

// Conn is a relay websocket. Inbound envelopes are delivered on Messages in
// arrival order; outbound frames are written in Send order by one writer.
type Conn struct {
	ws     *websocket.Conn
	logger Logger
	out    chan []byte
	in     chan protocol.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// Connect opens the websocket for session code.
func (c *HTTPClient) Connect(ctx context.Context, code string, opts ConnOptions) (*Conn, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = c.httpClient
	}
	conn, err := Dial(ctx, c.WebsocketURL(code), opts)
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		sessionErr.Code = code
	}
	return conn, err
}

// Dial connects to rawURL, retrying transient failures with exponential
// backoff. A 4xx handshake response is not retried.
func Dial(ctx context.Context, rawURL string, opts ConnOptions) (*Conn, error) {
	httpClient := http.DefaultClient
	if opts.HTTPClient != nil {
		clone := *opts.HTTPClient
		// websocket dials are bounded by ctx, the client timeout would cut the
		// hijacked connection
		clone.Timeout = 0
		httpClient = &clone
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 16 << 20
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = opts.DialTimeout

	var ws *websocket.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPClient: httpClient})
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode <= 499 {
				return backoff.Permanent(&SessionError{StatusCode: resp.StatusCode})
			}
			logf(opts.Logger, "relay dial attempt %d failed: %v", attempt, err)
			return err
		}
		ws = conn
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(opts.ReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		logger: opts.Logger,
		out:    make(chan []byte, opts.SendBuffer),
		in:     make(chan protocol.Envelope, opts.SendBuffer),
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Send frames details as a typed envelope and queues it for writing.
func (c *Conn) Send(t protocol.MessageType, details any) error {
	frame, err := protocol.Encode(t, details)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Messages is closed once the connection ends.
func (c *Conn) Messages() <-chan protocol.Envelope {
	return c.in
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended; nil after a local Close or a normal
// closure by the relay.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.finish(nil)
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return err
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.in)
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			logf(c.logger, "dropping relay frame: %v", err)
			continue
		}
		select {
		case c.in <- env:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.Write(c.ctx, websocket.MessageText, frame); err != nil {
				c.finish(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure && c.ctx.Err() == nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			logf(c.logger, "relay connection ended: %v", err)
		}
		c.cancel()
		close(c.done)
	})
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
