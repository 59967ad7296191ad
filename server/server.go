// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/geoscore"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/msgview"
	"github.com/NVIDIA/meshrank/ndj"
	"github.com/NVIDIA/meshrank/rank"
	"github.com/NVIDIA/meshrank/sse"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/buntdb"
)

const (
	dfltHandlerTimeout = 30 * time.Second
	dashboardTimeout   = 120 * time.Second
)

type (
	// route flags: sse routes are exempt from the handler timeout; admin
	// routes require a session with the admin bit.
	route struct {
		method  string
		path    string // segments; ":name" captures a parameter
		handler http.HandlerFunc
		admin   bool
		sse     bool
		timeout time.Duration
	}

	Server struct {
		db      *meshdb.DB
		hits    *ndj.HitsIndex
		msgs    *msgview.Cache
		engines *rank.Engines
		geo     *geoscore.Engine
		hub     *sse.Hub
		bot     *msgview.Bot

		static  *staticCache
		limits  *buntdb.DB // share rate-limit buckets, TTL-keyed
		routes  []route
		bootAt  time.Time
		httpSrv *http.Server
	}
)

func New(db *meshdb.DB, hits *ndj.HitsIndex, engines *rank.Engines, geo *geoscore.Engine) *Server {
	s := &Server{
		db:      db,
		hits:    hits,
		engines: engines,
		geo:     geo,
		bootAt:  time.Now(),
	}
	s.limits, _ = buntdb.Open(":memory:")
	s.static = newStaticCache(cmn.Rom.StaticDir())
	s.hub = sse.NewHub(s.providers())
	s.bot = msgview.NewBot(s.emitBotReply, s.ensureShareURL)
	s.msgs = msgview.NewCache(db, hits, s.broadcastMessage, s.bot)
	s.initRoutes()
	return s
}

func (s *Server) Messages() *msgview.Cache { return s.msgs }

// Run binds immediately; warm-ups are scheduled by the caller.
func (s *Server) Run() error {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cmn.Rom.Port()))
	s.httpSrv = &http.Server{Addr: addr, Handler: s}
	nlog.Infof("server: listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) {
	s.hub.CloseAll()
	s.msgs.Stop()
	s.bot.Close()
	if s.limits != nil {
		s.limits.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}
}

//
// dispatch
//

type paramsKey struct{}

func params(r *http.Request) map[string]string {
	if m, ok := r.Context().Value(paramsKey{}).(map[string]string); ok {
		return m
	}
	return nil
}

func param(r *http.Request, name string) string { return params(r)[name] }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	metricRequests.WithLabelValues(r.Method).Inc()

	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}
	for i := range s.routes {
		rt := &s.routes[i]
		vars, ok := matchRoute(rt.path, path)
		if !ok || rt.method != r.Method {
			continue
		}
		if vars != nil {
			r = r.WithContext(context.WithValue(r.Context(), paramsKey{}, vars))
		}
		if rt.admin {
			if u, ok := s.sessionUser(r); !ok {
				writeErr(w, http.StatusUnauthorized, "session required")
				return
			} else if !u.IsAdmin {
				writeErr(w, http.StatusForbidden, "admin required")
				return
			}
		}
		if rt.sse {
			rt.handler(w, r) // no timeout on long-lived streams
			return
		}
		s.withTimeout(rt.timeout, rt.handler)(w, r)
		return
	}

	if r.Method == http.MethodGet {
		s.serveStatic(w, r)
		return
	}
	writeErr(w, http.StatusNotFound, "not found")
}

func matchRoute(pattern, path string) (map[string]string, bool) {
	if !strings.Contains(pattern, ":") {
		return nil, pattern == path
	}
	var (
		ps = strings.Split(pattern, "/")
		qs = strings.Split(path, "/")
	)
	if len(ps) != len(qs) {
		return nil, false
	}
	var vars map[string]string
	for i, seg := range ps {
		if strings.HasPrefix(seg, ":") {
			if qs[i] == "" {
				return nil, false
			}
			if vars == nil {
				vars = make(map[string]string, 2)
			}
			vars[seg[1:]] = qs[i]
			continue
		}
		if seg != qs[i] {
			return nil, false
		}
	}
	return vars, true
}

// withTimeout runs the handler against a recorder and writes 504 when the
// deadline passes before the handler finishes.
func (s *Server) withTimeout(d time.Duration, h http.HandlerFunc) http.HandlerFunc {
	if d == 0 {
		d = dfltHandlerTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		var (
			rec  = newRecorder()
			done = make(chan struct{})
		)
		go func() {
			defer close(done)
			defer func() {
				if p := recover(); p != nil {
					nlog.Errorf("server: %s %s panicked: %v", r.Method, r.URL.Path, p)
					rec.reset()
					writeErr(rec, http.StatusInternalServerError, "internal error")
				}
			}()
			h(rec, r.WithContext(ctx))
		}()
		select {
		case <-done:
			rec.replay(w)
		case <-ctx.Done():
			writeErr(w, http.StatusGatewayTimeout, "request timed out")
		}
	}
}

//
// response helpers
//

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(cos.MustMarshal(v))
}

type errBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errBody{OK: false, Error: msg})
}

func writeOK(w http.ResponseWriter, v any) { writeJSON(w, http.StatusOK, v) }

func intQuery(r *http.Request, name string, dflt int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return dflt
}

func boolQuery(r *http.Request, name string) bool {
	return cos.IsParseBool(r.URL.Query().Get(name))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

//
// route table
//

func (s *Server) initRoutes() {
	s.routes = []route{
		{method: "GET", path: "/api/health", handler: s.handleHealth},
		{method: "GET", path: "/api/dashboard", handler: s.handleDashboard, timeout: dashboardTimeout},
		{method: "GET", path: "/api/messages", handler: s.handleMessages},
		{method: "GET", path: "/api/channels", handler: s.handleChannels},
		{method: "POST", path: "/api/channels", handler: s.handleChannelAdd, admin: true},
		{method: "DELETE", path: "/api/channels", handler: s.handleChannelRemove, admin: true},
		{method: "GET", path: "/api/channel-directory", handler: s.handleChannelDirectory},
		{method: "GET", path: "/api/repeater-rank", handler: s.handleRepeaterRank},
		{method: "GET", path: "/api/repeater-rank-summary", handler: s.handleRepeaterRankSummary},
		{method: "GET", path: "/api/repeater-rank-excluded", handler: s.handleRepeaterRankExcluded},
		{method: "GET", path: "/api/repeater-rank-history", handler: s.handleRepeaterRankHistory},
		{method: "GET", path: "/api/observer-rank", handler: s.handleObserverRank},
		{method: "GET", path: "/api/node-rank", handler: s.handleNodeRank},
		{method: "GET", path: "/api/meshscore", handler: s.handleMeshScore},
		{method: "GET", path: "/api/mesh-live", handler: s.handleMeshLive},
		{method: "GET", path: "/api/rf-latest", handler: s.handleRfLatest},
		{method: "GET", path: "/api/message-stream", handler: s.hub.ServeMessageStream, sse: true},
		{method: "GET", path: "/api/bot-stream", handler: s.handleBotStream, sse: true},
		{method: "POST", path: "/api/routes/:id/share", handler: s.handleShareCreate},
		{method: "GET", path: "/api/share/:code", handler: s.handleShareResolve},
		{method: "GET", path: "/metrics", handler: promhttp.Handler().ServeHTTP},

		// admin moderation
		{method: "POST", path: "/api/repeater-hide", handler: s.handleRepeaterHide, admin: true},
		{method: "POST", path: "/api/repeater-flag", handler: s.handleRepeaterFlag, admin: true},
		{method: "POST", path: "/api/repeater-location", handler: s.handleRepeaterLocation, admin: true},
		{method: "POST", path: "/api/observer-location", handler: s.handleObserverLocation, admin: true},
		{method: "POST", path: "/api/channels/block", handler: s.handleChannelBlock, admin: true},
		{method: "POST", path: "/api/channels/unblock", handler: s.handleChannelUnblock, admin: true},
		{method: "POST", path: "/api/channels/create", handler: s.handleChannelCreate, admin: true},
		{method: "POST", path: "/api/channels/update", handler: s.handleChannelUpdate, admin: true},
		{method: "POST", path: "/api/channels/move", handler: s.handleChannelMove, admin: true},

		// auth
		{method: "POST", path: "/api/auth/login", handler: s.handleLogin},
		{method: "POST", path: "/api/auth/register", handler: s.handleRegister},
		{method: "POST", path: "/api/auth/logout", handler: s.handleLogout},
		{method: "POST", path: "/api/auth/google-id-token", handler: s.handleGoogleIDToken},
		{method: "GET", path: "/api/auth/oauth/google", handler: s.handleGoogleOAuth},
		{method: "GET", path: "/api/auth/oauth/google/callback", handler: s.handleGoogleOAuthCallback},
		{method: "GET", path: "/api/auth/me", handler: s.handleAuthMe},

		// geoscore telemetry
		{method: "GET", path: "/api/geoscore/status", handler: s.handleGeoStatus},
		{method: "GET", path: "/api/geoscore/diagnostics", handler: s.handleGeoDiagnostics},
		{method: "GET", path: "/api/geoscore/observers", handler: s.handleGeoObservers},
		{method: "POST", path: "/api/geoscore/rebuild-homes", handler: s.handleGeoRebuildHomes, admin: true},
	}
}
