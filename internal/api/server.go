// Package api implements the management HTTP API and the public feed
// endpoints. All management responses are JSON; errors use a single
// {"error": "..."} envelope. The feed endpoints serve RSS/Atom XML for
// standard readers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/background"
	"github.com/matburt/mail2feed/internal/db"
	"github.com/matburt/mail2feed/internal/imap"
)

// maxRequestSize bounds management request bodies, enforced before any
// JSON decoding.
const maxRequestSize = 1 << 20 // 1 MB

// Config holds the HTTP server knobs, populated from SERVER_*, CORS_* and
// FEED_* environment variables.
type Config struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
	FeedCacheSeconds   int
	FeedItemLimit      int
}

func DefaultServerConfig() Config {
	return Config{
		Host:               "127.0.0.1",
		Port:               3000,
		CORSAllowedOrigins: []string{"*"},
		FeedCacheSeconds:   300,
		FeedItemLimit:      50,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultServerConfig()
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return cfg, fmt.Errorf("SERVER_PORT: invalid port %q", v)
		}
		cfg.Port = p
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}
	if v := os.Getenv("FEED_CACHE_DURATION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("FEED_CACHE_DURATION: invalid value %q", v)
		}
		cfg.FeedCacheSeconds = n
	}
	if v := os.Getenv("FEED_ITEM_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("FEED_ITEM_LIMIT: invalid value %q", v)
		}
		cfg.FeedItemLimit = n
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server wires the store, the background service and the IMAP processor
// into HTTP handlers.
type Server struct {
	cfg   Config
	store *db.Store
	svc   *background.Service
	proc  *imap.Processor
	log   *zap.Logger
}

func NewServer(cfg Config, store *db.Store, svc *background.Service, proc *imap.Processor, log *zap.Logger) *Server {
	return &Server{cfg: cfg, store: store, svc: svc, proc: proc, log: log}
}

// Handler builds the route table. Method-qualified patterns keep the
// dispatch in one place; unknown paths fall through to a JSON 404.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/imap-accounts", s.listAccounts)
	mux.HandleFunc("POST /api/imap-accounts", s.createAccount)
	mux.HandleFunc("GET /api/imap-accounts/{id}", s.getAccount)
	mux.HandleFunc("PUT /api/imap-accounts/{id}", s.updateAccount)
	mux.HandleFunc("DELETE /api/imap-accounts/{id}", s.deleteAccount)
	mux.HandleFunc("GET /api/imap-accounts/{id}/rules", s.listAccountRules)

	mux.HandleFunc("GET /api/email-rules", s.listRules)
	mux.HandleFunc("POST /api/email-rules", s.createRule)
	mux.HandleFunc("GET /api/email-rules/{id}", s.getRule)
	mux.HandleFunc("PUT /api/email-rules/{id}", s.updateRule)
	mux.HandleFunc("DELETE /api/email-rules/{id}", s.deleteRule)

	mux.HandleFunc("GET /api/feeds", s.listFeeds)
	mux.HandleFunc("POST /api/feeds", s.createFeed)
	mux.HandleFunc("GET /api/feeds/{id}", s.getFeed)
	mux.HandleFunc("PUT /api/feeds/{id}", s.updateFeed)
	mux.HandleFunc("DELETE /api/feeds/{id}", s.deleteFeed)
	mux.HandleFunc("GET /api/feeds/{id}/items", s.listFeedItems)

	mux.HandleFunc("GET /api/feed-items/{id}", s.getFeedItem)
	mux.HandleFunc("PATCH /api/feed-items/{id}", s.patchFeedItem)
	mux.HandleFunc("DELETE /api/feed-items/{id}", s.deleteFeedItem)

	mux.HandleFunc("GET /feeds/{id}/rss", s.serveRSS)
	mux.HandleFunc("GET /feeds/{id}/atom", s.serveAtom)

	mux.HandleFunc("GET /api/background/status", s.backgroundStatus)
	mux.HandleFunc("POST /api/background/start", s.backgroundStart)
	mux.HandleFunc("POST /api/background/stop", s.backgroundStop)
	mux.HandleFunc("POST /api/background/restart", s.backgroundRestart)
	mux.HandleFunc("POST /api/background/process-all", s.backgroundProcessAll)
	mux.HandleFunc("POST /api/background/process/{id}", s.backgroundProcessAccount)

	mux.HandleFunc("GET /api/imap/{id}/test", s.testAccountConnection)
	mux.HandleFunc("POST /api/imap/{id}/process", s.processAccountNow)
	mux.HandleFunc("POST /api/imap/process-all", s.processAllNow)

	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", metricsHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return s.cors(mux)
}

// cors answers preflight requests and stamps the allow-origin header on
// everything else. With an explicit origin list only listed origins are
// echoed back.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.cfg.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeStoreError maps store failures to 404 or 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("store operation failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody parses a JSON request body into dst with the size cap applied.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}
