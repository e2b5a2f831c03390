package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
	"github.com/agentworkforce/relayfeed/internal/inbox"
	"github.com/agentworkforce/relayfeed/internal/metrics"
	"github.com/agentworkforce/relayfeed/internal/pushws"
)

const testSecret = "test-jwt-secret"
const testInternalSecret = "test-internal-secret"

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *inbox.Store) {
	t.Helper()
	store := inbox.NewStore(inbox.StoreOptions{})
	cfg := ServerConfig{
		JWTSecret:          testSecret,
		InternalHMACSecret: testInternalSecret,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(store, cfg), store
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, nil)
	for _, path := range []string{"/v1/notifications", "/v1/notifications/unread-count", "/v1/stream"} {
		rec := doRequest(t, server, request{method: http.MethodGet, path: path})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	expired := mustTestJWT(t, testSecret, "u1", time.Now().Add(-2*time.Hour))
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications", headers: bearer(expired)})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	wrongKey := mustTestJWT(t, "other-secret", "u1", time.Now().Add(time.Hour))
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications", headers: bearer(wrongKey)})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", rec.Code)
	}
}

func TestHealthEchoesCorrelationID(t *testing.T) {
	server, _ := newTestServer(t, nil)
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/health",
		headers: map[string]string{"X-Correlation-Id": "corr_health"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr_health" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if got := rec.Header().Get("X-Correlation-Id"); !strings.HasPrefix(got, "srv_") {
		t.Fatalf("expected generated correlation id, got %q", got)
	}
}

func TestListPaginatesNewestFirst(t *testing.T) {
	server, store := newTestServer(t, nil)
	for i := 0; i < 5; i++ {
		mustPublish(t, store, "u1", "n")
	}
	mustPublish(t, store, "u2", "other user")
	token := mustTestJWT(t, testSecret, "u1", time.Now().Add(time.Hour))

	var first feedsync.Page
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications?size=3", headers: bearer(token)})
	decodeBody(t, rec, http.StatusOK, &first)
	if got := pageIDs(first); !equalInt64s(got, []int64{5, 4, 3}) {
		t.Fatalf("unexpected first page ids: %v", got)
	}
	if !first.HasMore() {
		t.Fatalf("expected a next cursor")
	}

	var second feedsync.Page
	rec = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/notifications?size=3&cursor=" + *first.NextCursor,
		headers: bearer(token),
	})
	decodeBody(t, rec, http.StatusOK, &second)
	if got := pageIDs(second); !equalInt64s(got, []int64{2, 1}) {
		t.Fatalf("unexpected second page ids: %v", got)
	}
	if second.HasMore() {
		t.Fatalf("expected last page to have no cursor, got %q", *second.NextCursor)
	}
}

func TestListRejectsInvalidCursor(t *testing.T) {
	server, _ := newTestServer(t, nil)
	token := mustTestJWT(t, testSecret, "u1", time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/notifications?cursor=not-a-cursor",
		headers: bearer(token),
	})
	var payload map[string]any
	decodeBody(t, rec, http.StatusBadRequest, &payload)
	if payload["code"] != "invalid_cursor" {
		t.Fatalf("expected invalid_cursor code, got %v", payload["code"])
	}
	if payload["correlationId"] == "" {
		t.Fatalf("expected correlation id in error body")
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	server, store := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Registry = reg
		cfg.Metrics = metrics.NewServerCollector(reg)
	})
	for i := 0; i < 4; i++ {
		mustPublish(t, store, "u1", "n")
	}
	token := mustTestJWT(t, testSecret, "u1", time.Now().Add(time.Hour))

	var count feedsync.UnreadCount
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications/unread-count", headers: bearer(token)})
	decodeBody(t, rec, http.StatusOK, &count)
	if count.UnreadCount != 4 {
		t.Fatalf("expected 4 unread, got %d", count.UnreadCount)
	}

	rec = doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/notifications/read",
		headers: bearer(token),
		body:    map[string]any{"ids": []int64{1, 3}},
	})
	decodeBody(t, rec, http.StatusOK, &count)
	if count.UnreadCount != 2 {
		t.Fatalf("expected 2 unread after marking two, got %d", count.UnreadCount)
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/notifications/read-all", headers: bearer(token)})
	decodeBody(t, rec, http.StatusOK, &count)
	if count.UnreadCount != 0 {
		t.Fatalf("expected 0 unread after read-all, got %d", count.UnreadCount)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relayfeed_server_marked_read_total") {
		t.Fatalf("expected marked read counter in metrics output")
	}
}

func TestMarkReadRejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t, func(cfg *ServerConfig) { cfg.MaxBodyBytes = 64 })
	token := mustTestJWT(t, testSecret, "u1", time.Now().Add(time.Hour))

	rec := doRawRequest(t, server, rawRequest{
		method:  http.MethodPatch,
		path:    "/v1/notifications/read",
		headers: bearer(token),
		body:    []byte("{"),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = doRawRequest(t, server, rawRequest{
		method:  http.MethodPatch,
		path:    "/v1/notifications/read",
		headers: bearer(token),
		body:    bytes.Repeat([]byte("a"), 128),
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRateLimitingByUser(t *testing.T) {
	server, _ := newTestServer(t, func(cfg *ServerConfig) {
		cfg.RateLimit = rate.Limit(1)
		cfg.RateBurst = 2
	})
	u1 := mustTestJWT(t, testSecret, "u1", time.Now().Add(time.Hour))
	u2 := mustTestJWT(t, testSecret, "u2", time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications/unread-count", headers: bearer(u1)})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications/unread-count", headers: bearer(u1)})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/notifications/unread-count", headers: bearer(u2)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected separate bucket for u2, got %d", rec.Code)
	}
}

func TestInternalPublishHMAC(t *testing.T) {
	server, store := newTestServer(t, nil)
	body, _ := json.Marshal(inbox.PublishRequest{UserID: "u1", Title: "Build finished", Body: "main is green"})
	ts := time.Now().UTC().Format(time.RFC3339)
	sig := SignInternal(testInternalSecret, ts, body)

	rec := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/internal/notifications",
		headers: map[string]string{"X-Relayfeed-Timestamp": ts, "X-Relayfeed-Signature": "deadbeef"},
		body:    body,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on bad signature, got %d", rec.Code)
	}

	var item feedsync.Item
	rec = doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/internal/notifications",
		headers: map[string]string{"X-Relayfeed-Timestamp": ts, "X-Relayfeed-Signature": sig},
		body:    body,
	})
	decodeBody(t, rec, http.StatusCreated, &item)
	if item.ID == 0 || item.Title != "Build finished" || item.Read {
		t.Fatalf("unexpected published item: %+v", item)
	}
	if store.UnreadCount("u1") != 1 {
		t.Fatalf("expected the item stored for u1")
	}

	rec = doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/internal/notifications",
		headers: map[string]string{"X-Relayfeed-Timestamp": ts, "X-Relayfeed-Signature": sig},
		body:    body,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected replayed request to be rejected, got %d", rec.Code)
	}

	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec = doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/internal/notifications",
		headers: map[string]string{"X-Relayfeed-Timestamp": stale, "X-Relayfeed-Signature": SignInternal(testInternalSecret, stale, body)},
		body:    body,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected stale timestamp to be rejected, got %d", rec.Code)
	}

	empty, _ := json.Marshal(inbox.PublishRequest{Title: "no user"})
	ts2 := time.Now().UTC().Add(time.Second).Format(time.RFC3339)
	rec = doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/internal/notifications",
		headers: map[string]string{"X-Relayfeed-Timestamp": ts2, "X-Relayfeed-Signature": SignInternal(testInternalSecret, ts2, empty)},
		body:    empty,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing user id, got %d", rec.Code)
	}
}

func TestStreamDeliversPublishedNotifications(t *testing.T) {
	server, store := newTestServer(t, nil)
	ts := httptest.NewServer(server)
	defer ts.Close()
	token := mustTestJWT(t, testSecret, "u1", time.Now().Add(time.Hour))

	dialer := pushws.NewDialer(wsURL(ts.URL), pushws.DialerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := dialer.Subscribe(ctx, feedsync.UserTopic("u2"), token); err == nil {
		t.Fatalf("expected subscribing to another user's topic to fail")
	}

	sub, err := dialer.Subscribe(ctx, feedsync.UserTopic("u1"), token)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, func() bool { return store.ListenerCount("u1") == 1 })

	mustPublish(t, store, "u2", "not for u1")
	published := mustPublish(t, store, "u1", "hello")

	select {
	case raw := <-sub.Messages():
		item, err := feedsync.DecodePushPayload(raw)
		if err != nil {
			t.Fatalf("decode pushed payload: %v", err)
		}
		if item.ID != published.ID || item.Title != "hello" {
			t.Fatalf("unexpected pushed item: %+v", item)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for pushed notification")
	}

	_ = sub.Close()
	waitFor(t, func() bool { return store.ListenerCount("u1") == 0 })
}

func TestControllerAgainstServer(t *testing.T) {
	server, store := newTestServer(t, nil)
	ts := httptest.NewServer(server)
	defer ts.Close()
	for i := 0; i < 3; i++ {
		mustPublish(t, store, "u1", "backlog")
	}
	tokens := feedsync.TokenFunc(func(context.Context) (string, error) {
		return IssueToken(testSecret, "u1", time.Hour, time.Now())
	})

	client := feedsync.NewHTTPClient(ts.URL, tokens, feedsync.HTTPClientOptions{})
	dialer := pushws.NewDialer(wsURL(ts.URL), pushws.DialerOptions{})
	controller, err := feedsync.NewController(client, dialer, feedsync.Options{UserID: "u1", Tokens: tokens, PageSize: 2})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer controller.Disable()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := controller.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := controller.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := controller.Snapshot()
	if snap.Phase != feedsync.PhaseReady || len(snap.Items) != 2 || !snap.HasMore {
		t.Fatalf("unexpected snapshot after open: %+v", snap)
	}
	if err := controller.LoadMore(ctx); err != nil {
		t.Fatalf("load more: %v", err)
	}
	if got := len(controller.Snapshot().Items); got != 3 {
		t.Fatalf("expected 3 items after load more, got %d", got)
	}

	waitFor(t, func() bool { return store.ListenerCount("u1") == 1 })
	pushed := mustPublish(t, store, "u1", "live")
	waitFor(t, func() bool {
		items := controller.Snapshot().Items
		return len(items) == 4 && items[0].ID == pushed.ID
	})
	if got := controller.Snapshot().Unread; got != 4 {
		t.Fatalf("expected 4 unread, got %d", got)
	}

	if err := controller.MarkOneRead(ctx, pushed.ID); err != nil {
		t.Fatalf("mark one read: %v", err)
	}
	if got := store.UnreadCount("u1"); got != 3 {
		t.Fatalf("expected server unread 3, got %d", got)
	}
	if err := controller.MarkAll(ctx); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	snap = controller.Snapshot()
	if snap.Unread != 0 || store.UnreadCount("u1") != 0 {
		t.Fatalf("expected everything read, local=%d server=%d", snap.Unread, store.UnreadCount("u1"))
	}
	for _, item := range snap.Items {
		if !item.Read {
			t.Fatalf("expected item %d read", item.ID)
		}
	}
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, status int, out any) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d (%s)", status, rec.Code, rec.Body.String())
	}
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func mustTestJWT(t *testing.T, secret, userID string, exp time.Time) string {
	t.Helper()
	token, err := IssueToken(secret, userID, 2*time.Hour, exp.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func mustPublish(t *testing.T, store *inbox.Store, userID, title string) feedsync.Item {
	t.Helper()
	item, err := store.Publish(inbox.PublishRequest{UserID: userID, Title: title})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return item
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/v1/stream"
}

func pageIDs(page feedsync.Page) []int64 {
	ids := make([]int64, 0, len(page.Items))
	for _, item := range page.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

func equalInt64s(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
