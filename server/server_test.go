// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/geoscore"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/ndj"
	"github.com/NVIDIA/meshrank/rank"
)

func newTestServer(t *testing.T) (*Server, *meshdb.DB) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MESHRANK_DATA_DIR", dir)
	t.Setenv("MESHRANK_DB_PATH", filepath.Join(dir, "srv.db"))
	t.Setenv("MESHRANK_STATIC_DIR", filepath.Join(dir, "public"))
	cmn.Rom.Init()
	db, err := meshdb.Open(cmn.Rom.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	hits := ndj.NewHitsIndex(cmn.Rom.DataFile("observer.ndjson"))
	s := New(db, hits, rank.NewEngines(db), geoscore.New(db))
	return s, db
}

func do(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestMatchRoute(t *testing.T) {
	tests := []struct {
		pattern, path string
		ok            bool
		vars          map[string]string
	}{
		{"/api/health", "/api/health", true, nil},
		{"/api/health", "/api/healthz", false, nil},
		{"/api/routes/:id/share", "/api/routes/ABC123/share", true, map[string]string{"id": "ABC123"}},
		{"/api/routes/:id/share", "/api/routes//share", false, nil},
		{"/api/share/:code", "/api/share/01234", true, map[string]string{"code": "01234"}},
		{"/api/share/:code", "/api/share", false, nil},
	}
	for _, tt := range tests {
		vars, ok := matchRoute(tt.pattern, tt.path)
		if ok != tt.ok {
			t.Errorf("matchRoute(%q, %q) ok = %v", tt.pattern, tt.path, ok)
			continue
		}
		for k, v := range tt.vars {
			if vars[k] != v {
				t.Errorf("matchRoute(%q, %q) var %s = %q, want %q", tt.pattern, tt.path, k, vars[k], v)
			}
		}
	}
}

func TestNoStoreEverywhere(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/api/health", "/api/channels", "/api/repeater-rank", "/api/meshscore"} {
		w := do(t, s, "GET", path, "")
		if got := w.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("%s: Cache-Control = %q", path, got)
		}
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}

func TestColdCachesServeTypedEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, "GET", "/api/repeater-rank", "")
	body := w.Body.String()
	if !strings.Contains(body, `"items":[]`) {
		t.Errorf("cold rank body = %s", body)
	}
	w = do(t, s, "GET", "/api/channels", "")
	if !strings.Contains(w.Body.String(), `"channels":[]`) {
		t.Errorf("cold channels body = %s", w.Body.String())
	}
}

func TestAdminGate(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, "POST", "/api/repeater-hide", `{"pub":"AB12"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no-session admin call: status = %d", w.Code)
	}
}

func TestTimeoutWrites504(t *testing.T) {
	s, _ := newTestServer(t)
	slow := s.withTimeout(30*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeOK(w, map[string]bool{"ok": true})
	})
	w := httptest.NewRecorder()
	slow(w, httptest.NewRequest("GET", "/slow", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

func TestTimeoutReplaysFastHandler(t *testing.T) {
	s, _ := newTestServer(t)
	fast := s.withTimeout(time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		writeJSON(w, http.StatusTeapot, map[string]bool{"ok": false})
	})
	w := httptest.NewRecorder()
	fast(w, httptest.NewRequest("GET", "/fast", nil))
	if w.Code != http.StatusTeapot || w.Header().Get("X-Test") != "yes" {
		t.Errorf("replay lost status or headers: %d %v", w.Code, w.Header())
	}
}

func TestShareRoundTrip(t *testing.T) {
	s, db := newTestServer(t)
	if _, err := db.Exec(`INSERT INTO messages (message_hash, channel_name, sender, body, ts, path_text, path_length, repeats)
		VALUES ('MSG123', '#public', 'n', 'hi', '2025-06-01T10:00:00.000Z', 'AA|BB', 2, 2)`); err != nil {
		t.Fatal(err)
	}

	w := do(t, s, "POST", "/api/routes/MSG123/share", "")
	if w.Code != http.StatusOK {
		t.Fatalf("share create status = %d body=%s", w.Code, w.Body.String())
	}
	var resp api.ShareResponse
	if err := cos.JSON.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Code) != 5 || !strings.Contains(resp.URL, "/s/"+resp.Code) {
		t.Fatalf("share response = %+v", resp)
	}

	// a second create returns the same live code
	w = do(t, s, "POST", "/api/routes/MSG123/share", "")
	var resp2 api.ShareResponse
	cos.JSON.Unmarshal(w.Body.Bytes(), &resp2)
	if resp2.Code != resp.Code {
		t.Errorf("second create allocated a new code: %q vs %q", resp2.Code, resp.Code)
	}

	w = do(t, s, "GET", "/api/share/"+resp.Code, "")
	if w.Code != http.StatusOK {
		t.Fatalf("share resolve status = %d", w.Code)
	}
	var resolved api.ShareResolved
	if err := cos.JSON.Unmarshal(w.Body.Bytes(), &resolved); err != nil {
		t.Fatal(err)
	}
	if resolved.Message == nil || resolved.Message.MessageHash != "MSG123" {
		t.Errorf("resolved = %+v", resolved)
	}

	// the same messageId until expiry
	w = do(t, s, "GET", "/api/share/"+resp.Code, "")
	var again api.ShareResolved
	cos.JSON.Unmarshal(w.Body.Bytes(), &again)
	if again.Message == nil || again.Message.MessageHash != resolved.Message.MessageHash {
		t.Error("share resolution not stable")
	}
}

func TestShareExpiry(t *testing.T) {
	s, db := newTestServer(t)
	if _, err := db.Exec(`INSERT INTO messages (message_hash, channel_name, body, ts)
		VALUES ('MSGOLD', '#public', 'old', '2025-01-01T00:00:00.000Z')`); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	expired := &meshdb.ShareRow{
		Code:      "54321",
		MessageID: "MSGOLD",
		CreatedAt: cos.FormatTs(now.Add(-25 * time.Hour)),
		ExpiresAt: cos.FormatTs(now.Add(-time.Hour)),
	}
	if err := db.InsertShare(expired); err != nil {
		t.Fatal(err)
	}
	w := do(t, s, "GET", "/api/share/54321", "")
	if w.Code != http.StatusGone {
		t.Fatalf("expired code status = %d, want 410", w.Code)
	}
	if _, ok := db.FindShareByCode("54321"); ok {
		t.Error("expired code not deleted")
	}
}

func TestShareRateLimits(t *testing.T) {
	s, _ := newTestServer(t)
	ip := "203.0.113.9"
	for i := 0; i < shareRateLimit; i++ {
		if !s.shareAllowed(ip) {
			t.Fatalf("request %d blocked below the limit", i)
		}
	}
	if s.shareAllowed(ip) {
		t.Error("request above the window limit allowed")
	}

	miss := "203.0.113.10"
	for i := 0; i < shareMissThreshold; i++ {
		s.shareMiss(miss)
	}
	if s.shareAllowed(miss) {
		t.Error("miss-flooding IP still allowed")
	}
}

func TestPacketPollAggregates(t *testing.T) {
	s, db := newTestServer(t)
	for i, obs := range []string{"O1", "O2", "O3"} {
		if _, err := db.Exec(`INSERT INTO message_observers (message_hash, observer_id, ts_ms, path_text, path_length)
			VALUES ('ABC', ?, ?, 'AA|BB', ?)`, obs, time.Now().UnixMilli(), i+1); err != nil {
			t.Fatal(err)
		}
	}
	data, last := s.packetPoll(0)
	if data == nil || last == 0 {
		t.Fatal("no packet event")
	}
	ev := data.(api.PacketEvent)
	if len(ev.Updates) != 1 {
		t.Fatalf("updates = %+v, want one per messageHash", ev.Updates)
	}
	u := ev.Updates[0]
	if u.MessageHash != "ABC" || len(u.ObserverHits) != 3 || u.PathLength != 3 {
		t.Errorf("update = %+v", u)
	}
	if u.Repeats < u.PathLength || u.Repeats < len(u.ObserverHits) {
		t.Errorf("repeats invariant broken: %+v", u)
	}
	// idle poll returns nothing
	if data, next := s.packetPoll(last); data != nil || next != last {
		t.Error("idle poll emitted an event")
	}
}

func TestAuthRegisterLoginMe(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, "POST", "/api/auth/register", `{"email":"a@b.c","password":"longenough","name":"A"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d body=%s", w.Code, w.Body.String())
	}
	cookie := w.Header().Get("Set-Cookie")
	if !strings.Contains(cookie, sessionCookie+"=") {
		t.Fatalf("no session cookie: %q", cookie)
	}

	// short password rejected
	w = do(t, s, "POST", "/api/auth/register", `{"email":"x@y.z","password":"short"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("weak password status = %d", w.Code)
	}

	w = do(t, s, "POST", "/api/auth/login", `{"email":"a@b.c","password":"wrongpassword"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d", w.Code)
	}
	w = do(t, s, "POST", "/api/auth/login", `{"email":"a@b.c","password":"longenough"}`)
	if w.Code != http.StatusOK {
		t.Errorf("login status = %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Cookie", strings.Split(cookie, ";")[0])
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	body := rec.Body.String()
	if !strings.Contains(body, `"a@b.c"`) || !strings.Contains(body, "#public") {
		t.Errorf("me body = %s", body)
	}
}
