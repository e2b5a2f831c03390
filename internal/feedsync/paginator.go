package feedsync

import (
	"context"
	"strings"
	"sync"
)

const DefaultPageSize = 20

type PageSource interface {
	ListNotifications(ctx context.Context, size int, cursor string) (Page, error)
}

// Paginator walks the pull API with the opaque cursor returned by the
// server. Callers must not request a page while another one is in flight.
type Paginator struct {
	source PageSource
	ledger *Ledger

	mu      sync.Mutex
	cursor  string
	hasMore bool
	loaded  bool
	gen     uint64
}

func NewPaginator(source PageSource, ledger *Ledger) *Paginator {
	if ledger == nil {
		ledger = NewLedger(DefaultLedgerCapacity)
	}
	return &Paginator{source: source, ledger: ledger}
}

func (p *Paginator) FirstPage(ctx context.Context, size int) (Page, error) {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	return p.fetch(ctx, gen, size, "")
}

func (p *Paginator) NextPage(ctx context.Context, size int) (Page, error) {
	p.mu.Lock()
	if !p.loaded || !p.hasMore || p.cursor == "" {
		p.mu.Unlock()
		return Page{}, ErrNoCursorAvailable
	}
	gen, cursor := p.gen, p.cursor
	p.mu.Unlock()
	return p.fetch(ctx, gen, size, cursor)
}

func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

func (p *Paginator) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *Paginator) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Reset forgets the cursor. A fetch still in flight resolves with
// ErrStaleResponse.
func (p *Paginator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.cursor = ""
	p.hasMore = false
	p.loaded = false
}

func (p *Paginator) Restore(cursor string, hasMore bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.cursor = strings.TrimSpace(cursor)
	p.hasMore = hasMore && p.cursor != ""
	p.loaded = true
}

func (p *Paginator) fetch(ctx context.Context, gen uint64, size int, cursor string) (Page, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	page, err := p.source.ListNotifications(ctx, size, cursor)
	if err != nil {
		return Page{}, transportErr("list notifications", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return Page{}, ErrStaleResponse
	}
	p.loaded = true
	p.hasMore = page.HasMore()
	p.cursor = ""
	if p.hasMore {
		p.cursor = strings.TrimSpace(*page.NextCursor)
	}
	for _, item := range page.Items {
		if item.ID != 0 {
			p.ledger.Add(item.ID)
		}
	}
	return page, nil
}

// invalidate makes an in-flight fetch stale while keeping the cursor.
func (p *Paginator) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
}
