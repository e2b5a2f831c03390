package feedsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// TokenProvider supplies the bearer credential. An empty token means the
// user is not signed in and nothing should be opened.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Subscription is an open push-channel subscription. Messages is closed
// when the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic, token string) (Subscription, error)
}

func UserTopic(userID string) string {
	return "/topic/users/" + strings.TrimSpace(userID)
}

type PushListenerOptions struct {
	Logger   *slog.Logger
	Recorder Recorder
}

// PushListener forwards each distinct push message to emit at most once, in
// arrival order.
type PushListener struct {
	subscriber Subscriber
	ledger     *Ledger
	logger     *slog.Logger
	recorder   Recorder

	mu     sync.Mutex
	cancel context.CancelFunc
	sub    Subscription
	done   chan struct{}
}

func NewPushListener(subscriber Subscriber, ledger *Ledger, opts PushListenerOptions) *PushListener {
	if ledger == nil {
		ledger = NewLedger(DefaultLedgerCapacity)
	}
	return &PushListener{
		subscriber: subscriber,
		ledger:     ledger,
		logger:     loggerOrDiscard(opts.Logger),
		recorder:   recorderOrNoop(opts.Recorder),
	}
}

func (l *PushListener) Start(ctx context.Context, topic string, tokens TokenProvider, emit func(Item)) error {
	_, err := l.start(ctx, topic, tokens, emit)
	return err
}

// start is Start that also hands back a channel closed when the delivery
// goroutine exits. The channel is nil when nothing was opened.
func (l *PushListener) start(ctx context.Context, topic string, tokens TokenProvider, emit func(Item)) (<-chan struct{}, error) {
	if emit == nil {
		return nil, fmt.Errorf("emit callback is required")
	}
	if l.subscriber == nil {
		return nil, nil
	}
	if l.Running() {
		return nil, nil
	}
	if tokens == nil {
		l.logger.Info("push channel not started: no credentials", slog.String("topic", topic))
		return nil, nil
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, transportErr("resolve push token", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		l.logger.Info("push channel not started: unauthenticated", slog.String("topic", topic))
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := l.subscriber.Subscribe(subCtx, topic, token)
	if err != nil {
		cancel()
		return nil, transportErr("subscribe "+topic, err)
	}

	l.mu.Lock()
	if l.cancel != nil || subCtx.Err() != nil {
		l.mu.Unlock()
		cancel()
		_ = sub.Close()
		return nil, nil
	}
	done := make(chan struct{})
	l.cancel, l.sub, l.done = cancel, sub, done
	l.mu.Unlock()

	l.logger.Debug("push channel subscribed", slog.String("topic", topic))
	go l.run(subCtx, sub, emit, done)
	return done, nil
}

// Stop unsubscribes and waits for the delivery goroutine to exit. Calling it
// when nothing is running is a no-op.
func (l *PushListener) Stop() {
	l.mu.Lock()
	cancel, sub, done := l.cancel, l.sub, l.done
	l.cancel, l.sub, l.done = nil, nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = sub.Close()
	<-done
}

func (l *PushListener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *PushListener) run(ctx context.Context, sub Subscription, emit func(Item), done chan struct{}) {
	defer close(done)
	defer func() {
		_ = sub.Close()
		l.mu.Lock()
		if l.done == done {
			l.cancel()
			l.cancel, l.sub, l.done = nil, nil, nil
		}
		l.mu.Unlock()
	}()

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-messages:
			if !ok {
				l.logger.Debug("push subscription closed")
				return
			}
			l.handle(raw, emit)
		}
	}
}

func (l *PushListener) handle(raw []byte, emit func(Item)) {
	item, err := DecodePushPayload(raw)
	if err != nil {
		var parseErr *ParseError
		switch {
		case errors.Is(err, errMissingID):
			l.recorder.PushDropped(DropMissingID)
		case errors.As(err, &parseErr):
			l.recorder.ParseFailed()
			l.recorder.PushDropped(DropMalformed)
			l.logger.Warn("dropping malformed push payload", slog.String("error", err.Error()))
		default:
			l.logger.Error("push payload rejected", slog.String("error", err.Error()))
		}
		return
	}
	if !l.ledger.Admit(item.ID) {
		l.recorder.PushDropped(DropDuplicate)
		l.logger.Debug("dropping duplicate push", slog.Int64("id", item.ID))
		return
	}
	l.recorder.PushDelivered()
	emit(item)
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recorderOrNoop(recorder Recorder) Recorder {
	if recorder != nil {
		return recorder
	}
	return noopRecorder{}
}
