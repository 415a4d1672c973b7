// Package httpapi implements CountBot's REST and WebSocket control
// surface (spec.md §6): thin JSON wrappers over the Bus, the
// cronstore/Scheduler pair, the channels Manager, the subagent manager,
// and the config, fronted by a loopback-or-bearer-token auth gate.
// Grounded on vanducng-goclaw's gateway.Server: a single *http.ServeMux
// built once, a gorilla/websocket upgrader whose CheckOrigin accepts every
// origin (the /ws route is gated by the same auth wrapper as the REST
// routes), and a context-cancelled graceful Shutdown.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picoclaw/pkg/auth"
	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/cerr"
	"github.com/sipeed/picoclaw/pkg/channels"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/cronstore"
	"github.com/sipeed/picoclaw/pkg/handler"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/tools"
)

const shutdownTimeout = 5 * time.Second

// Server is CountBot's REST+WS control-panel front door.
type Server struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	chans      *channels.Manager
	cronStore  *cronstore.Store
	scheduler  *cron.Scheduler
	handler    *handler.Handler
	subagents  *tools.SubagentManager
	sessionAuth *auth.SessionAuth

	upgrader websocket.Upgrader
	wsHub    *wsHub

	mux        *http.ServeMux
	httpServer *http.Server
}

// Deps bundles the already-constructed components the REST/WS surface
// wraps; every field is required except SessionAuth, which is nil when
// no HTTP password is configured (loopback-only mode).
type Deps struct {
	Config      *config.Config
	Bus         *bus.MessageBus
	Channels    *channels.Manager
	CronStore   *cronstore.Store
	Scheduler   *cron.Scheduler
	Handler     *handler.Handler
	Subagents   *tools.SubagentManager
	SessionAuth *auth.SessionAuth
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:         deps.Config,
		bus:         deps.Bus,
		chans:       deps.Channels,
		cronStore:   deps.CronStore,
		scheduler:   deps.Scheduler,
		handler:     deps.Handler,
		subagents:   deps.Subagents,
		sessionAuth: deps.SessionAuth,
		wsHub:       newWSHub(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// WSChannel returns the pseudo-channel adapter bridging WebSocket
// clients onto the Bus, for registration with the channels Manager
// under the name "ws".
func (s *Server) WSChannel() channels.Channel {
	return newWSChannel(s.bus, s.wsHub)
}

// BuildMux constructs (once) and returns the server's route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/logout", s.handleLogout)

	mux.Handle("/api/queue/stats", s.authed(http.HandlerFunc(s.handleQueueStats)))
	mux.Handle("/api/queue/cancel", s.authed(http.HandlerFunc(s.handleQueueCancel)))
	mux.Handle("/api/queue/active-tasks", s.authed(http.HandlerFunc(s.handleActiveTasks)))

	mux.Handle("/api/cron/jobs", s.authed(http.HandlerFunc(s.handleCronJobsCollection)))
	mux.Handle("/api/cron/jobs/", s.authed(http.HandlerFunc(s.handleCronJobItem)))
	mux.Handle("/api/cron/validate", s.authed(http.HandlerFunc(s.handleCronValidate)))

	mux.Handle("/api/channels/list", s.authed(http.HandlerFunc(s.handleChannelsList)))
	mux.Handle("/api/channels/status", s.authed(http.HandlerFunc(s.handleChannelsStatus)))
	mux.Handle("/api/channels/test", s.authed(http.HandlerFunc(s.handleChannelsTest)))
	mux.Handle("/api/channels/update", s.authed(http.HandlerFunc(s.handleChannelsUpdate)))
	mux.Handle("/api/channels/", s.authed(http.HandlerFunc(s.handleChannelConfig)))

	mux.Handle("/api/settings", s.authed(http.HandlerFunc(s.handleSettings)))
	mux.Handle("/api/settings/test-connection", s.authed(http.HandlerFunc(s.handleSettingsTestConnection)))
	mux.Handle("/api/settings/providers", s.authed(http.HandlerFunc(s.handleSettingsProviders)))
	mux.Handle("/api/settings/security/dangerous-patterns", s.authed(http.HandlerFunc(s.handleDangerousPatterns)))

	mux.Handle("/api/tasks", s.authed(http.HandlerFunc(s.handleTasksCollection)))
	mux.Handle("/api/tasks/stats", s.authed(http.HandlerFunc(s.handleTasksStats)))
	mux.Handle("/api/tasks/", s.authed(http.HandlerFunc(s.handleTaskItem)))

	mux.Handle("/ws", s.authed(http.HandlerFunc(s.handleWebSocket)))

	s.mux = mux
	return mux
}

// Start builds the mux and serves until ctx is cancelled, then shuts
// down gracefully within shutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTP.Host, s.cfg.HTTP.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	logger.InfoCF("httpapi", "control surface starting", map[string]interface{}{"addr": addr})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("httpapi server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// authed wraps next with the trust model from spec.md §6: loopback
// requests carrying no proxy headers are trusted outright; everything
// else must present a valid session token via the CountBot_token cookie
// or an Authorization: Bearer header.
func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isTrustedLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}
		if s.sessionAuth == nil {
			writeError(w, cerr.New(cerr.AuthFailed, "HTTP control surface has no password configured for remote access"))
			return
		}
		token := bearerToken(r)
		if token == "" || !s.sessionAuth.Validate(token) {
			writeError(w, cerr.New(cerr.AuthFailed, "missing or invalid session token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isTrustedLoopback(r *http.Request) bool {
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("X-Real-IP") != "" {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func bearerToken(r *http.Request) string {
	if c, err := r.Cookie("CountBot_token"); err == nil && c.Value != "" {
		return c.Value
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, cerr.New(cerr.InvalidInput, "POST required"))
		return
	}
	if s.sessionAuth == nil {
		writeError(w, cerr.New(cerr.AuthFailed, "no password configured"))
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cerr.New(cerr.InvalidInput, "malformed request body"))
		return
	}
	token, ok := s.sessionAuth.Login(body.Password)
	if !ok {
		writeError(w, cerr.New(cerr.AuthFailed, "incorrect password"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "CountBot_token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.sessionAuth != nil {
		s.sessionAuth.Logout(bearerToken(r))
	}
	http.SetCookie(w, &http.Cookie{Name: "CountBot_token", Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the REST error vocabulary from spec.md §7:
// an HTTP status from its cerr.Kind and a short Chinese-language detail
// message, never a stack trace.
func writeError(w http.ResponseWriter, err error) {
	kind := cerr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]interface{}{
		"error":  err.Error(),
		"detail": kind.Detail(),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("empty body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
