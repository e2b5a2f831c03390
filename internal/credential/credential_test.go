package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

func TestChainReturnsFirstNonEmpty(t *testing.T) {
	chain := Chain{Static(""), nil, Static("  tok_2 "), Static("tok_3")}
	token, err := chain.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != "tok_2" {
		t.Fatalf("expected tok_2, got %q", token)
	}
}

func TestChainStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	chain := Chain{
		feedsync.TokenFunc(func(context.Context) (string, error) { return "", boom }),
		Static("tok"),
	}
	if _, err := chain.Token(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestFileSourceMissingFileMeansNoToken(t *testing.T) {
	source := NewFileSource(filepath.Join(t.TempDir(), "token"), nil)
	token, err := source.Token(context.Background())
	if err != nil || token != "" {
		t.Fatalf("expected empty token, got %q err=%v", token, err)
	}
}

func TestFileSourceWatchPicksUpRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	source := NewFileSource(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- source.Watch(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if token, _ := source.Token(ctx); token == "first" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rewritten := false
	for time.Now().Before(deadline) {
		if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
			t.Fatalf("rewrite token: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if token, _ := source.Token(ctx); token == "second" {
			rewritten = true
			break
		}
	}
	if !rewritten {
		t.Fatalf("expected rewritten token to be picked up")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}

func TestKeyringSourceRoundTrip(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	source := NewKeyringSource(ring, "token:u_1")

	token, err := source.Token(context.Background())
	if err != nil || token != "" {
		t.Fatalf("expected empty token before store, got %q err=%v", token, err)
	}
	if err := source.Store("tok_1"); err != nil {
		t.Fatalf("store: %v", err)
	}
	token, err = source.Token(context.Background())
	if err != nil || token != "tok_1" {
		t.Fatalf("expected tok_1, got %q err=%v", token, err)
	}
	if err := source.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if token, _ := source.Token(context.Background()); token != "" {
		t.Fatalf("expected token removed, got %q", token)
	}
}
