package pushws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

const (
	defaultReadLimit      = 1 << 20
	defaultReconnectEvery = 2 * time.Second
	defaultBuffer         = 64
)

// ErrUnauthorized is returned when the stream endpoint rejects the token.
var ErrUnauthorized = errors.New("push stream rejected credentials")

type DialerOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// ReconnectEvery paces reconnect attempts after a dropped connection.
	ReconnectEvery time.Duration
	ReadLimit      int64
	Buffer         int
}

// Dialer implements feedsync.Subscriber.
type Dialer struct {
	url            string
	httpClient     *http.Client
	logger         *slog.Logger
	reconnectEvery time.Duration
	readLimit      int64
	buffer         int
}

var _ feedsync.Subscriber = (*Dialer)(nil)

func NewDialer(streamURL string, opts DialerOptions) *Dialer {
	d := &Dialer{
		url:            strings.TrimSpace(streamURL),
		httpClient:     opts.HTTPClient,
		logger:         opts.Logger,
		reconnectEvery: opts.ReconnectEvery,
		readLimit:      opts.ReadLimit,
		buffer:         opts.Buffer,
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.reconnectEvery <= 0 {
		d.reconnectEvery = defaultReconnectEvery
	}
	if d.readLimit <= 0 {
		d.readLimit = defaultReadLimit
	}
	if d.buffer <= 0 {
		d.buffer = defaultBuffer
	}
	return d
}

// Subscribe connects and subscribes once before returning, so credential
// and addressing problems surface to the caller. Later connection drops are
// retried in the background until the subscription is closed.
func (d *Dialer) Subscribe(ctx context.Context, topic, token string) (feedsync.Subscription, error) {
	if d.url == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	conn, err := d.connect(ctx, topic, token)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		dialer:   d,
		topic:    topic,
		token:    token,
		messages: make(chan []byte, d.buffer),
		cancel:   cancel,
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Every(d.reconnectEvery), 1),
	}
	go s.run(subCtx, conn)
	return s, nil
}

func (d *Dialer) connect(ctx context.Context, topic, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	conn.SetReadLimit(d.readLimit)

	if err := wsjson.Write(ctx, conn, Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	var ack Frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("await subscribe ack: %w", err)
	}
	switch ack.Type {
	case FrameSubscribed:
		return conn, nil
	case FrameError:
		conn.Close(websocket.StatusPolicyViolation, "subscribe rejected")
		return nil, fmt.Errorf("subscribe %s rejected: %s", topic, ack.Message)
	default:
		conn.CloseNow()
		return nil, fmt.Errorf("unexpected %q frame while subscribing", ack.Type)
	}
}

type subscription struct {
	dialer   *Dialer
	topic    string
	token    string
	messages chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
	limiter  *rate.Limiter
	once     sync.Once
}

func (s *subscription) Messages() <-chan []byte {
	return s.messages
}

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.messages)
	logger := s.dialer.logger.With(slog.String("topic", s.topic))
	// The initial dial consumes the first token.
	s.limiter.Allow()

	for {
		err := s.pump(ctx, conn)
		if ctx.Err() != nil {
			conn.CloseNow()
			return
		}
		conn.CloseNow()
		logger.Warn("push stream dropped; reconnecting", slog.String("error", err.Error()))

		conn = nil
		for conn == nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			next, err := s.dialer.connect(ctx, s.topic, s.token)
			switch {
			case err == nil:
				conn = next
				logger.Info("push stream reconnected")
			case errors.Is(err, ErrUnauthorized):
				logger.Error("push stream credentials rejected; giving up", slog.String("error", err.Error()))
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("push stream reconnect failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *subscription) pump(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case FrameMessage:
			if len(frame.Payload) == 0 {
				continue
			}
			select {
			case s.messages <- []byte(frame.Payload):
			case <-ctx.Done():
				return ctx.Err()
			}
		case FrameError:
			s.dialer.logger.Warn("push stream error frame", slog.String("message", frame.Message))
		}
	}
}
