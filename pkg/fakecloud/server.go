package fakecloud

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jameshartig/solarkmon/pkg/log"
)

const refreshTTL = 30 * 24 * time.Hour

// Options configures the accounts and quirks the fake cloud has.
type Options struct {
	Username string
	Password string
	PlantID  string
	Serial   string

	// TokenTTL is how long issued access tokens last.
	TokenTTL time.Duration
	// LegacyOnly makes the JSON login answer 404 so clients must fall back to
	// the form login.
	LegacyOnly bool
	// NoFlow makes the plant flow endpoint answer 404.
	NoFlow bool

	Simulator *Simulator
	Now       func() time.Time
}

// Server answers the login and read endpoints a monitoring client uses.
type Server struct {
	opts Options
	key  []byte

	mu      sync.Mutex
	revoked map[string]bool

	logins    atomic.Int32
	refreshes atomic.Int32
	reads     atomic.Int32
}

// New returns a Server for opts, filling in defaults.
func New(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Simulator == nil {
		opts.Simulator = NewSimulator(time.Now().UnixNano(), 40)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return &Server{
		opts:    opts,
		key:     key,
		revoked: map[string]bool{},
	}
}

// Handler returns the cloud's routes. The same handler serves the primary,
// legacy and API hosts.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("GET /api/v1/plant/energy/{id}/flow", s.handleFlow)
	mux.HandleFunc("GET /api/v1/dy/store/{serial}/read", s.handleLive)
	return mux
}

// Logins is the number of password logins that succeeded.
func (s *Server) Logins() int { return int(s.logins.Load()) }

// Refreshes is the number of refresh grants that succeeded.
func (s *Server) Refreshes() int { return int(s.refreshes.Load()) }

// Reads is the number of authorized read requests served.
func (s *Server) Reads() int { return int(s.reads.Load()) }

// Revoke invalidates an access token before it expires, the way the cloud
// does when the account logs in elsewhere.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
}

func writeEnvelope(w http.ResponseWriter, status int, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"msg":     msg,
		"success": code == 0,
		"data":    data,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) issue(kind string, ttl time.Duration) (string, error) {
	now := s.opts.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   s.opts.Username,
		Audience:  jwt.ClaimStrings{kind},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// verify checks that token is an unexpired, unrevoked token of kind.
func (s *Server) verify(token, kind string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return false
	}
	_, err := jwt.ParseWithClaims(
		token,
		&jwt.RegisteredClaims{},
		func(*jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(kind),
		jwt.WithTimeFunc(s.opts.Now),
	)
	return err == nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	legacy := !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	if s.opts.LegacyOnly && !legacy {
		http.NotFound(w, r)
		return
	}

	params := map[string]string{}
	if legacy {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
	} else if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch params["grant_type"] {
	case "password":
		if params["username"] != s.opts.Username || params["password"] != s.opts.Password {
			log.Ctx(ctx).InfoContext(ctx, "rejected login", slog.String("username", params["username"]))
			writeEnvelope(w, http.StatusOK, 102, "Incorrect username or password", nil)
			return
		}
		s.logins.Add(1)
	case "refresh_token":
		if !s.verify(params["refresh_token"], "refresh") {
			writeEnvelope(w, http.StatusOK, 401, "invalid refresh token", nil)
			return
		}
		s.refreshes.Add(1)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
		return
	}

	access, err := s.issue("access", s.opts.TokenTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	refresh, err := s.issue("refresh", refreshTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", map[string]interface{}{
		"access_token":       access,
		"refresh_token":      refresh,
		"token_type":         "bearer",
		"expires_in":         int(s.opts.TokenTTL.Seconds()),
		"refresh_expires_in": int(refreshTTL.Seconds()),
		"scope":              "all",
	})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !s.verify(token, "access") {
		writeEnvelope(w, http.StatusUnauthorized, 401, "Unauthorized", nil)
		return false
	}
	s.reads.Add(1)
	return true
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if s.opts.NoFlow || r.PathValue("id") != s.opts.PlantID {
		writeEnvelope(w, http.StatusOK, 404, "plant not found", nil)
		return
	}
	if _, err := time.Parse(time.DateOnly, r.URL.Query().Get("date")); err != nil {
		writeEnvelope(w, http.StatusOK, 400, "invalid date", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", flowFields(s.opts.Simulator.Sample(s.opts.Now())))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if s.opts.Serial == "" || r.PathValue("serial") != s.opts.Serial {
		writeEnvelope(w, http.StatusOK, 404, "device not found", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, 0, "Success", liveFields(s.opts.Simulator.Sample(s.opts.Now())))
}
