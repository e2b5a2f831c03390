package feedsync

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type Actor struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Item is a single notification. Read is the only field that changes after
// the item enters the feed.
type Item struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
	DeepLink  string    `json:"deepLink,omitempty"`
	Actor     *Actor    `json:"actor,omitempty"`
}

// Initial returns the single display character used when no avatar is shown.
func (i Item) Initial() string {
	if i.Actor != nil {
		if r, ok := firstLetter(i.Actor.Email); ok {
			return string(unicode.ToUpper(r))
		}
		if r, ok := firstLetter(i.Actor.Name); ok {
			return string(unicode.ToUpper(r))
		}
	}
	if r, ok := firstLetter(i.Title); ok {
		return string(unicode.ToUpper(r))
	}
	return "?"
}

type Page struct {
	Items      []Item  `json:"items"`
	NextCursor *string `json:"nextCursor"`
}

func (p Page) HasMore() bool {
	return p.NextCursor != nil && strings.TrimSpace(*p.NextCursor) != ""
}

type UnreadCount struct {
	UnreadCount int `json:"unreadCount"`
}

func firstLetter(s string) (rune, bool) {
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r, true
		}
		s = s[size:]
	}
	return 0, false
}

func cloneItems(items []Item) []Item {
	if len(items) == 0 {
		return []Item{}
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
