// Command relayfeed-token mints development bearer tokens for the reference
// server and optionally stores them in the platform keyring.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/99designs/keyring"

	"github.com/agentworkforce/relayfeed/internal/config"
	"github.com/agentworkforce/relayfeed/internal/credential"
	"github.com/agentworkforce/relayfeed/internal/httpapi"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAYFEED_CONFIG"), "path to config file (optional)")
	userID := flag.String("user", "", "user id to mint the token for")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	store := flag.Bool("store", false, "save the token in the keyring instead of printing it")
	remove := flag.Bool("delete", false, "remove the stored token for --user")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	req := request{
		userID: strings.TrimSpace(*userID),
		ttl:    *ttl,
		store:  *store,
		remove: *remove,
	}
	if req.userID == "" {
		req.userID = cfg.Client.UserID
	}
	var ring keyring.Keyring
	if req.store || req.remove {
		ring, err = credential.OpenKeyring(cfg.Client.KeyringService)
		if err != nil {
			slog.Error("failed to open keyring", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	if err := execute(os.Stdout, cfg.Server.JWTSecret, ring, req, time.Now()); err != nil {
		slog.Error("relayfeed-token failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type request struct {
	userID string
	ttl    time.Duration
	store  bool
	remove bool
}

func execute(out io.Writer, secret string, ring keyring.Keyring, req request, now time.Time) error {
	if req.userID == "" {
		return fmt.Errorf("user id is required (--user or RELAYFEED_CLIENT_USER_ID)")
	}
	source := credential.NewKeyringSource(ring, "token:"+req.userID)
	if req.remove {
		if err := source.Delete(); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed stored token for %s\n", req.userID)
		return nil
	}
	token, err := httpapi.IssueToken(secret, req.userID, req.ttl, now)
	if err != nil {
		return err
	}
	if !req.store {
		fmt.Fprintln(out, token)
		return nil
	}
	if err := source.Store(token); err != nil {
		return err
	}
	fmt.Fprintf(out, "stored token for %s (expires %s)\n", req.userID, now.Add(req.ttl).UTC().Format(time.RFC3339))
	return nil
}
