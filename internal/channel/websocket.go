package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Events receives the outcome of WebSocket dial attempts. Methods are
// called from connector goroutines; implementations forward them to the
// event loop.
type Events interface {
	Opened(attempt uint64, link Link)
	Failed(attempt uint64, err error)
	Message(attempt uint64, data []byte)
	Closed(attempt uint64, err error)
}

var errWriteBacklog = errors.New("channel write backlog full")

// WebSocketOptions tunes the WebSocket connector.
type WebSocketOptions struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	WriteBuffer  int
	Header       http.Header
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// WebSocketConnector dials the push channel with coder/websocket.
type WebSocketConnector struct {
	ctx    context.Context
	url    string
	events Events
	opts   WebSocketOptions
	log    *slog.Logger
}

// NewWebSocketConnector creates a connector for url. Cancelling ctx aborts
// every dial and tears down live connections.
func NewWebSocketConnector(ctx context.Context, url string, events Events, opts WebSocketOptions) *WebSocketConnector {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketConnector{ctx: ctx, url: url, events: events, opts: opts, log: logger}
}

// Connect dials in the background.
func (c *WebSocketConnector) Connect(attempt uint64) {
	go c.run(attempt)
}

func (c *WebSocketConnector) run(attempt uint64) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: c.opts.Header,
		HTTPClient: c.opts.HTTPClient,
	})
	cancel()
	if err != nil {
		c.events.Failed(attempt, fmt.Errorf("dial %s: %w", c.url, err))
		return
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	link := newWSLink(c.ctx, conn, c.opts.WriteBuffer, c.opts.WriteTimeout, c.log)
	c.events.Opened(attempt, link)

	err = link.readLoop(func(data []byte) {
		c.events.Message(attempt, data)
	})
	link.Close("connection lost")
	c.events.Closed(attempt, err)
}

// wsLink is one open WebSocket connection with a buffered write pump.
type wsLink struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	writes       chan []byte
	writeTimeout time.Duration
	log          *slog.Logger

	mu     sync.Mutex
	closed bool
	failed bool
	reason string
}

// newWSLink starts the write pump. The link outlives parent until its
// pending writes are flushed: cancelling parent closes the link gracefully.
func newWSLink(parent context.Context, conn *websocket.Conn, buffer int, writeTimeout time.Duration, logger *slog.Logger) *wsLink {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	l := &wsLink{
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		writes:       make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		log:          logger,
	}
	stop := context.AfterFunc(parent, func() { l.Close("shutdown") })
	go func() {
		defer stop()
		defer cancel()
		l.writePump()
	}()
	return l
}

func (l *wsLink) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.failed {
		return ErrLinkClosed
	}
	select {
	case l.writes <- payload:
		return nil
	default:
		return errWriteBacklog
	}
}

func (l *wsLink) Close(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.reason = reason
	close(l.writes)
}

func (l *wsLink) writePump() {
	for payload := range l.writes {
		ctx, cancel := context.WithTimeout(l.ctx, l.writeTimeout)
		err := l.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			l.log.Debug("push channel write error", "error", err)
			l.mu.Lock()
			l.failed = true
			l.mu.Unlock()
			l.conn.CloseNow()
			return
		}
	}

	l.mu.Lock()
	reason := l.reason
	l.mu.Unlock()
	if err := l.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		l.log.Debug("push channel close", "error", err)
	}
}

func (l *wsLink) readLoop(deliver func([]byte)) error {
	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			l.log.Debug("push channel binary frame ignored", "bytes", len(data))
			continue
		}
		deliver(data)
	}
}
