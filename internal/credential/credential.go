// Package credential supplies bearer tokens to the feed client. Every source
// returns an empty token, not an error, when no credential is configured.
package credential

import (
	"context"
	"strings"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

type Static string

func (s Static) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// Chain returns the first non-empty token of its sources.
type Chain []feedsync.TokenProvider

func (c Chain) Token(ctx context.Context) (string, error) {
	for _, source := range c {
		if source == nil {
			continue
		}
		token, err := source.Token(ctx)
		if err != nil {
			return "", err
		}
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}
	return "", nil
}
