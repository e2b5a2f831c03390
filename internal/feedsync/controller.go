package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultPushRetryEvery = 2 * time.Second

type Phase int

const (
	PhaseDisabled Phase = iota
	PhaseIdle
	PhaseLoading
	PhaseReady
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisabled:
		return "disabled"
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type lifecycleEvent int

const (
	eventEnable lifecycleEvent = iota
	eventEnableInitialized
	eventDisable
	eventOpen
	eventPageLoaded
	eventPageFailed
	eventDegraded
	eventReset
)

// transition is the whole lifecycle table. It reports false when the event
// does not apply to the current phase.
func transition(from Phase, ev lifecycleEvent) (Phase, bool) {
	switch ev {
	case eventEnable:
		if from == PhaseDisabled {
			return PhaseIdle, true
		}
	case eventEnableInitialized:
		if from == PhaseDisabled {
			return PhaseReady, true
		}
	case eventDisable:
		if from != PhaseDisabled {
			return PhaseDisabled, true
		}
	case eventOpen:
		if from == PhaseIdle {
			return PhaseLoading, true
		}
	case eventPageLoaded:
		if from == PhaseLoading {
			return PhaseReady, true
		}
	case eventPageFailed:
		if from == PhaseLoading {
			return PhaseError, true
		}
	case eventDegraded:
		if from == PhaseError {
			return PhaseReady, true
		}
	case eventReset:
		if from != PhaseDisabled && from != PhaseIdle {
			return PhaseIdle, true
		}
	}
	return from, false
}

// API is the pull side of the notification service.
type API interface {
	PageSource
	Mutator
	UnreadCount(ctx context.Context) (int, error)
}

type Options struct {
	UserID              string
	Tokens              TokenProvider
	PageSize            int
	LedgerCapacity      int
	ResetOnDisable      bool
	DegradedPlaceholder bool
	// PushRetryEvery paces resubscribe attempts after the push channel fails.
	PushRetryEvery time.Duration
	Store          StateStore
	Logger         *slog.Logger
	Recorder       Recorder
}

// Snapshot is the read-only state handed to the consumer.
type Snapshot struct {
	Phase       Phase
	Items       []Item
	Unread      int
	Loading     bool
	Initialized bool
	HasMore     bool
	Degraded    bool
}

type Controller struct {
	api       API
	opts      Options
	logger    *slog.Logger
	recorder  Recorder
	ledger    *Ledger
	paginator *Paginator
	push      *PushListener
	recon     *Reconciler
	mutations *MutationCoordinator
	changes   chan struct{}

	mu          sync.Mutex
	phase       Phase
	degraded    bool
	loadingMore bool
	pushCancel  context.CancelFunc
	pushGen     uint64
}

func NewController(api API, subscriber Subscriber, opts Options) (*Controller, error) {
	if api == nil {
		return nil, fmt.Errorf("api is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.LedgerCapacity <= 0 {
		opts.LedgerCapacity = DefaultLedgerCapacity
	}
	if opts.PushRetryEvery <= 0 {
		opts.PushRetryEvery = DefaultPushRetryEvery
	}
	c := &Controller{
		api:      api,
		opts:     opts,
		logger:   loggerOrDiscard(opts.Logger),
		recorder: recorderOrNoop(opts.Recorder),
		ledger:   NewLedger(opts.LedgerCapacity),
		changes:  make(chan struct{}, 1),
		phase:    PhaseDisabled,
	}
	c.paginator = NewPaginator(api, c.ledger)
	c.push = NewPushListener(subscriber, c.ledger, PushListenerOptions{Logger: c.logger, Recorder: c.recorder})
	c.recon = NewReconciler(c.recorder, c.notify)
	c.mutations = NewMutationCoordinator(api, c.recon, MutationOptions{Logger: c.logger, Recorder: c.recorder})
	c.loadSaved()
	return c, nil
}

// Changes signals that the snapshot may have changed. Signals coalesce.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	phase, degraded, loadingMore := c.phase, c.degraded, c.loadingMore
	c.mu.Unlock()
	items, unread, initialized := c.recon.view()
	return Snapshot{
		Phase:       phase,
		Items:       items,
		Unread:      unread,
		Loading:     phase == PhaseLoading || loadingMore,
		Initialized: initialized,
		HasMore:     degraded || c.paginator.HasMore(),
		Degraded:    degraded,
	}
}

// Enable leaves Disabled. A feed that was already loaded goes straight back
// to Ready, restarts the push channel and resyncs the unread counter.
func (c *Controller) Enable(ctx context.Context) error {
	c.mu.Lock()
	ev := eventEnable
	if c.recon.Initialized() {
		ev = eventEnableInitialized
	}
	if !c.applyLocked(ev) {
		c.mu.Unlock()
		return nil
	}
	ready := c.phase == PhaseReady
	if ready {
		c.startPushLocked()
	}
	c.mu.Unlock()

	if ready {
		if err := c.ResyncCounter(ctx); err != nil {
			c.logger.Warn("unread counter resync failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Disable closes the push channel and invalidates every in-flight request.
// The feed is kept unless Options.ResetOnDisable is set.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.applyLocked(eventDisable) {
		return
	}
	c.stopPushLocked()
	if c.opts.ResetOnDisable {
		c.resetStateLocked()
		return
	}
	c.recon.advance()
	c.paginator.invalidate()
	c.saveLocked()
}

// Close stops the push channel and persists the feed for the next launch.
// The controller must not be used afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPushLocked()
	c.recon.advance()
	c.paginator.invalidate()
	c.saveLocked()
	return nil
}

// Reset clears all feed state and returns an enabled stream to Idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPushLocked()
	c.resetStateLocked()
	c.applyLocked(eventReset)
}

// Open is the "panel opened" signal. The first one moves Idle to Loading,
// starts the push channel and loads the first page; later calls are no-ops.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if !c.applyLocked(eventOpen) {
		c.mu.Unlock()
		return nil
	}
	ticket := c.recon.BeginPage()
	c.startPushLocked()
	c.mu.Unlock()
	return c.loadFirst(ctx, ticket, true)
}

// LoadMore appends the next older page. Running out of pages is not an
// error. After a degraded first load it retries the first page instead.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseReady {
		c.mu.Unlock()
		return nil
	}
	if c.loadingMore {
		c.mu.Unlock()
		return ErrPageInFlight
	}
	c.startPushLocked()
	c.loadingMore = true
	degraded := c.degraded
	ticket := c.recon.BeginPage()
	c.mu.Unlock()
	c.notify()
	defer func() {
		c.mu.Lock()
		c.loadingMore = false
		c.mu.Unlock()
		c.notify()
	}()

	if degraded {
		return c.loadFirst(ctx, ticket, false)
	}
	page, err := c.paginator.NextPage(ctx, c.opts.PageSize)
	switch {
	case errors.Is(err, ErrNoCursorAvailable):
		c.logger.Debug("load more ignored: no further pages")
		return nil
	case errors.Is(err, ErrStaleResponse):
		c.recorder.StaleDiscarded("page")
		return nil
	case err != nil:
		c.recorder.PageFailed(false)
		c.logger.Warn("load more failed", slog.String("error", err.Error()))
		return err
	}
	added, err := c.recon.ApplyPage(ticket, page.Items, false)
	if err != nil {
		c.logger.Debug("discarding stale page")
		return nil
	}
	c.recorder.PageLoaded(false, added)
	return nil
}

func (c *Controller) MarkOneRead(ctx context.Context, id int64) error {
	if err := c.mutable(); err != nil {
		return err
	}
	return c.mutations.MarkOneRead(ctx, id)
}

func (c *Controller) MarkAll(ctx context.Context) error {
	if err := c.mutable(); err != nil {
		return err
	}
	return c.mutations.MarkAllRead(ctx)
}

// mutable reports whether read-state changes are accepted. Before the first
// page there is no local baseline to apply them to or roll them back from.
func (c *Controller) mutable() error {
	switch c.Phase() {
	case PhaseDisabled:
		return ErrDisabled
	case PhaseReady:
		return nil
	default:
		return ErrNotLoaded
	}
}

// ResyncCounter replaces the local unread estimate with the server count.
// A Ready stream whose push channel has stopped is resubscribed as well.
func (c *Controller) ResyncCounter(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseReady {
		c.startPushLocked()
	}
	c.mu.Unlock()
	epoch := c.recon.Epoch()
	unread, err := c.api.UnreadCount(ctx)
	if err != nil {
		return transportErr("unread count", err)
	}
	if err := c.recon.ResyncCounter(epoch, unread); errors.Is(err, ErrStaleResponse) {
		c.logger.Debug("discarding stale unread count")
	}
	return nil
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) loadFirst(ctx context.Context, ticket PageTicket, initial bool) error {
	page, err := c.paginator.FirstPage(ctx, c.opts.PageSize)

	c.mu.Lock()
	if errors.Is(err, ErrStaleResponse) || ticket.Epoch() != c.recon.Epoch() {
		c.mu.Unlock()
		c.recorder.StaleDiscarded("page")
		c.logger.Debug("discarding stale first page")
		return nil
	}
	if err != nil {
		c.recorder.PageFailed(true)
		if !initial {
			c.mu.Unlock()
			c.logger.Warn("first page retry failed", slog.String("error", err.Error()))
			return err
		}
		c.logger.Error("first page failed; continuing degraded", slog.String("error", err.Error()))
		c.applyLocked(eventPageFailed)
		var placeholder *Item
		if c.opts.DegradedPlaceholder {
			p := degradedPlaceholder()
			placeholder = &p
		}
		_ = c.recon.MarkDegraded(ticket.Epoch(), placeholder)
		c.degraded = true
		c.applyLocked(eventDegraded)
		c.mu.Unlock()
		return nil
	}
	added, applyErr := c.recon.ApplyPage(ticket, page.Items, true)
	if applyErr != nil {
		c.mu.Unlock()
		return nil
	}
	c.degraded = false
	c.applyLocked(eventPageLoaded)
	c.mu.Unlock()
	c.recorder.PageLoaded(true, added)

	if err := c.ResyncCounter(ctx); err != nil {
		c.logger.Warn("unread counter resync failed", slog.String("error", err.Error()))
	}
	return nil
}

func (c *Controller) applyLocked(ev lifecycleEvent) bool {
	next, ok := transition(c.phase, ev)
	if !ok {
		return false
	}
	if next != c.phase {
		c.logger.Debug("stream phase changed",
			slog.String("from", c.phase.String()),
			slog.String("to", next.String()),
		)
		c.phase = next
		c.recorder.PhaseChanged(next)
		c.notify()
	}
	return true
}

// startPushLocked launches the push supervisor unless one is running. The
// supervisor resubscribes, paced by PushRetryEvery, whenever a subscribe
// fails or the subscription ends, resolving the token afresh each time.
func (c *Controller) startPushLocked() {
	userID := stateKey(c.opts.UserID)
	if userID == "" || c.pushCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pushGen++
	c.pushCancel = cancel
	go c.supervisePush(ctx, c.pushGen, c.recon.Epoch(), UserTopic(userID))
}

func (c *Controller) supervisePush(ctx context.Context, gen, epoch uint64, topic string) {
	limiter := rate.NewLimiter(rate.Every(c.opts.PushRetryEvery), 1)
	emit := func(item Item) {
		c.deliverPush(epoch, item)
	}
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		done, err := c.push.start(ctx, topic, c.opts.Tokens, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("push channel unavailable; retrying",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			continue
		}
		if done == nil {
			// Nothing to subscribe with; a later LoadMore or resync retries.
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
			c.logger.Info("push channel ended; resubscribing", slog.String("topic", topic))
		}
	}
	c.mu.Lock()
	if c.pushGen == gen && c.pushCancel != nil {
		c.pushCancel()
		c.pushCancel = nil
	}
	c.mu.Unlock()
}

func (c *Controller) stopPushLocked() {
	if c.pushCancel != nil {
		c.pushCancel()
		c.pushCancel = nil
	}
	c.push.Stop()
}

func (c *Controller) deliverPush(epoch uint64, item Item) {
	if _, err := c.recon.ApplyPush(epoch, item); err != nil {
		c.recorder.PushDropped(DropStale)
		c.logger.Debug("discarding stale push", slog.Int64("id", item.ID))
	}
}

func (c *Controller) resetStateLocked() {
	c.recon.reset()
	c.ledger.Reset()
	c.paginator.Reset()
	c.degraded = false
	if c.opts.Store != nil && stateKey(c.opts.UserID) != "" {
		key := stateKey(c.opts.UserID)
		if err := c.opts.Store.Save(key, &SavedState{UserID: key, SavedAt: time.Now().UTC()}); err != nil {
			c.logger.Warn("clearing saved feed state failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Controller) saveLocked() {
	key := stateKey(c.opts.UserID)
	if c.opts.Store == nil || key == "" || c.degraded {
		return
	}
	items, unread, initialized := c.recon.view()
	if !initialized {
		return
	}
	state := &SavedState{
		UserID:      key,
		Initialized: true,
		Items:       items,
		Unread:      unread,
		Cursor:      c.paginator.Cursor(),
		HasMore:     c.paginator.HasMore(),
		SeenIDs:     c.ledger.IDs(),
		SavedAt:     time.Now().UTC(),
	}
	if err := c.opts.Store.Save(key, state); err != nil {
		c.logger.Warn("saving feed state failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) loadSaved() {
	key := stateKey(c.opts.UserID)
	if c.opts.Store == nil || key == "" {
		return
	}
	state, err := c.opts.Store.Load(key)
	if err != nil {
		c.logger.Warn("loading saved feed state failed", slog.String("error", err.Error()))
		return
	}
	if state == nil || !state.Initialized || state.UserID != key {
		return
	}
	for _, id := range state.SeenIDs {
		c.ledger.Add(id)
	}
	for _, item := range state.Items {
		c.ledger.Add(item.ID)
	}
	c.recon.restore(state.Items, state.Unread)
	c.paginator.Restore(state.Cursor, state.HasMore)
	c.logger.Info("restored saved feed state",
		slog.String("user_id", key),
		slog.Int("items", len(state.Items)),
	)
}

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func degradedPlaceholder() Item {
	return Item{
		ID:        -1,
		Title:     "Notifications are unavailable",
		Body:      "Notifications could not be loaded. Load more to try again.",
		CreatedAt: time.Now().UTC(),
		Read:      true,
	}
}
