package main

import (
	"fmt"
	"io"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

// feedPrinter writes each notification once, plus a status line whenever
// the unread counter or phase moves.
type feedPrinter struct {
	w       io.Writer
	printed map[int64]bool
	unread  int
	phase   feedsync.Phase
	started bool
}

func newFeedPrinter(w io.Writer) *feedPrinter {
	return &feedPrinter{w: w, printed: map[int64]bool{}}
}

func (p *feedPrinter) print(snap feedsync.Snapshot) {
	// Oldest first so the terminal reads chronologically.
	for i := len(snap.Items) - 1; i >= 0; i-- {
		item := snap.Items[i]
		if p.printed[item.ID] {
			continue
		}
		p.printed[item.ID] = true
		mark := "*"
		if item.Read {
			mark = " "
		}
		fmt.Fprintf(p.w, "%s [%s] #%d %s", mark, item.Initial(), item.ID, item.Title)
		if item.Body != "" {
			fmt.Fprintf(p.w, ": %s", item.Body)
		}
		fmt.Fprintln(p.w)
	}
	if !p.started || snap.Unread != p.unread || snap.Phase != p.phase {
		p.started = true
		p.unread, p.phase = snap.Unread, snap.Phase
		status := fmt.Sprintf("-- %s, %d unread", snap.Phase, snap.Unread)
		if snap.Degraded {
			status += ", degraded"
		}
		fmt.Fprintln(p.w, status)
	}
}
