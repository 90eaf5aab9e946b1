package solark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/jameshartig/solarkmon/pkg/log"
	"github.com/jameshartig/solarkmon/pkg/types"
)

const (
	tokenPath = "oauth/token"
	clientID  = "csp-web"

	// RefreshMargin is how much validity must remain on a token before it is
	// renewed ahead of use.
	RefreshMargin = time.Minute

	maxBodyBytes = 1 << 20
)

// CredentialStore persists the session credential between restarts. Failures
// are logged and otherwise ignored.
type CredentialStore interface {
	GetCredential(ctx context.Context, account string) (types.Credential, error)
	SetCredential(ctx context.Context, account string, cred types.Credential) error
	DeleteCredential(ctx context.Context, account string) error
}

// Session owns the single bearer credential for one Sol-Ark account.
type Session struct {
	client    *http.Client
	authURL   string
	legacyURL string
	username  string
	password  string
	store     CredentialStore
	now       func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	cred     types.Credential
	scheme   types.AuthScheme
	restored bool
}

// NewSession returns a Session for the configured account. store may be nil.
func NewSession(cfg *Config, client *http.Client, store CredentialStore) *Session {
	return &Session{
		client:    client,
		authURL:   cfg.AuthURL,
		legacyURL: cfg.LegacyURL,
		username:  cfg.Username,
		password:  cfg.Password,
		store:     store,
		now:       time.Now,
	}
}

// Scheme returns the login scheme that last succeeded for the account.
func (s *Session) Scheme() types.AuthScheme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheme
}

// Current returns the held credential without validating or renewing it.
func (s *Session) Current() types.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Credential returns a credential with at least RefreshMargin of validity
// left, refreshing or logging in as needed. Concurrent callers share a single
// login or refresh.
func (s *Session) Credential(ctx context.Context) (types.Credential, error) {
	s.mu.Lock()
	c := s.cred
	restored := s.restored
	s.mu.Unlock()
	if restored && c.Valid(s.now(), RefreshMargin) {
		return c, nil
	}
	return s.renew(ctx, "")
}

// Refresh renews the credential after stale was rejected by the cloud. If the
// held credential has already moved past stale it is returned unchanged.
func (s *Session) Refresh(ctx context.Context, stale types.Credential) (types.Credential, error) {
	return s.renew(ctx, stale.Token)
}

// Logout drops the held credential and any persisted copy of it. The scheme
// that worked for the account is remembered.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	s.cred = types.Credential{}
	s.restored = true
	s.mu.Unlock()
	s.forget(ctx)
}

func (s *Session) renew(ctx context.Context, stale string) (types.Credential, error) {
	// the key includes the stale token so a forced refresh never joins a plain
	// validity check that would hand back the rejected token
	key := "credential"
	if stale != "" {
		key = "refresh:" + stale
	}
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		return s.acquire(ctx, stale)
	})
	if shared {
		log.Ctx(ctx).DebugContext(ctx, "joined in-flight solark login")
	}
	if err != nil {
		return types.Credential{}, err
	}
	return v.(types.Credential), nil
}

func (s *Session) acquire(ctx context.Context, stale string) (types.Credential, error) {
	s.restore(ctx)

	s.mu.Lock()
	cur := s.cred
	s.mu.Unlock()

	now := s.now()
	forced := stale != "" && cur.Token == stale
	if !forced && cur.Valid(now, RefreshMargin) {
		return cur, nil
	}
	if forced {
		log.Ctx(ctx).DebugContext(ctx, "solark token rejected, renewing", slog.String("scheme", cur.Scheme.String()))
	}

	// a rejected token must not be handed out again even when renewing it
	// fails for a transient reason
	drop := forced
	if cur.CanRefresh(now) {
		next, err := s.refresh(ctx, cur)
		if err == nil {
			s.set(ctx, next)
			return next, nil
		}
		if errors.Is(err, ErrTransient) {
			if drop {
				s.discard(ctx, cur)
			}
			return types.Credential{}, err
		}
		log.Ctx(ctx).InfoContext(ctx, "solark refresh rejected, logging in again", slog.Any("error", err))
		cur.RefreshToken = ""
		cur.RefreshExpiresAt = time.Time{}
		drop = true
	}

	next, err := s.login(ctx)
	if err != nil {
		if errors.Is(err, ErrTransient) {
			if drop {
				s.discard(ctx, cur)
			}
			return types.Credential{}, err
		}
		s.mu.Lock()
		s.cred = types.Credential{}
		s.mu.Unlock()
		s.forget(ctx)
		return types.Credential{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	s.set(ctx, next)
	return next, nil
}

// login performs a full username/password login. The remembered scheme is
// used directly; with no remembered scheme the primary is probed first and the
// legacy scheme is only tried if the primary is unsupported for the account.
func (s *Session) login(ctx context.Context) (types.Credential, error) {
	if s.username == "" {
		return types.Credential{}, &loginError{Err: ErrBadCredentials, Reason: "missing username"}
	}
	if s.password == "" {
		return types.Credential{}, &loginError{Err: ErrBadCredentials, Reason: "missing password"}
	}

	scheme := s.Scheme()
	switch scheme {
	case types.AuthSchemePrimary, types.AuthSchemeLegacy:
		log.Ctx(ctx).DebugContext(ctx, "logging in to solark", slog.String("scheme", scheme.String()))
		return s.loginWith(ctx, scheme)
	}

	log.Ctx(ctx).DebugContext(ctx, "logging in to solark, probing primary scheme")
	c, err := s.loginWith(ctx, types.AuthSchemePrimary)
	if errors.Is(err, ErrSchemeUnsupported) {
		log.Ctx(ctx).InfoContext(ctx, "solark primary login unsupported for account, trying legacy", slog.Any("error", err))
		return s.loginWith(ctx, types.AuthSchemeLegacy)
	}
	return c, err
}

func (s *Session) loginWith(ctx context.Context, scheme types.AuthScheme) (types.Credential, error) {
	params := map[string]string{
		"grant_type": "password",
		"client_id":  clientID,
		"username":   s.username,
		"password":   s.password,
	}
	if scheme == types.AuthSchemePrimary {
		params["source"] = "sunsynk"
	}
	c, err := s.tokenRequest(ctx, scheme, params, types.Credential{})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "solark login failed", slog.String("scheme", scheme.String()), slog.Any("error", err))
		return types.Credential{}, err
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"solark login success",
		slog.String("scheme", scheme.String()),
		slog.Time("expiresAt", c.ExpiresAt),
		slog.Bool("refreshable", c.RefreshToken != ""),
	)
	return c, nil
}

func (s *Session) refresh(ctx context.Context, cur types.Credential) (types.Credential, error) {
	scheme := cur.Scheme
	if scheme == types.AuthSchemeUnknown {
		scheme = types.AuthSchemePrimary
	}
	params := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     clientID,
		"refresh_token": cur.RefreshToken,
	}
	c, err := s.tokenRequest(ctx, scheme, params, cur)
	if err != nil {
		return types.Credential{}, err
	}
	log.Ctx(ctx).DebugContext(ctx, "solark token refreshed", slog.String("scheme", scheme.String()), slog.Time("expiresAt", c.ExpiresAt))
	return c, nil
}

type tokenResponse struct {
	AccessToken      string      `json:"access_token"`
	TokenType        string      `json:"token_type"`
	RefreshToken     string      `json:"refresh_token"`
	ExpiresIn        interface{} `json:"expires_in"`
	RefreshExpiresIn interface{} `json:"refresh_expires_in"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

type tokenEnvelope struct {
	Code    interface{}    `json:"code"`
	Msg     string         `json:"msg"`
	Success *bool          `json:"success"`
	Data    *tokenResponse `json:"data"`
	tokenResponse
}

// unsupportedOAuthErrors are the OAuth error codes the cloud returns when the
// scheme itself is not offered for the account, as opposed to a bad password.
var unsupportedOAuthErrors = map[string]bool{
	"unsupported_grant_type": true,
	"invalid_client":         true,
	"unauthorized_client":    true,
}

func (s *Session) newTokenRequest(ctx context.Context, scheme types.AuthScheme, params map[string]string) (*http.Request, error) {
	base := s.authURL
	if scheme == types.AuthSchemeLegacy {
		base = s.legacyURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, tokenPath)
	if err != nil {
		return nil, err
	}

	if scheme == types.AuthSchemeLegacy {
		data := url.Values{}
		for k, v := range params {
			data.Set(k, v)
		}
		req, err := http.NewRequestWithContext(ctx, "POST", u.String(), strings.NewReader(data.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// tokenRequest posts params to the scheme's token endpoint and turns the
// response into a credential. prev supplies the refresh token to keep when a
// refresh response does not rotate it.
func (s *Session) tokenRequest(ctx context.Context, scheme types.AuthScheme, params map[string]string, prev types.Credential) (types.Credential, error) {
	req, err := s.newTokenRequest(ctx, scheme, params)
	if err != nil {
		return types.Credential{}, &loginError{Scheme: scheme, Err: ErrTransient, Cause: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return types.Credential{}, &loginError{Scheme: scheme, Err: ErrTransient, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return types.Credential{}, &loginError{Scheme: scheme, Status: resp.StatusCode, Err: ErrTransient, Cause: err}
	}

	var env tokenEnvelope
	decodeErr := json.Unmarshal(body, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusMethodNotAllowed,
		resp.StatusCode == http.StatusNotImplemented:
		return types.Credential{}, &loginError{Scheme: scheme, Status: resp.StatusCode, Err: ErrSchemeUnsupported}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.Credential{}, &loginError{Scheme: scheme, Status: resp.StatusCode, Err: ErrTransient}
	case resp.StatusCode >= 400:
		return types.Credential{}, classifyRejection(scheme, resp.StatusCode, env)
	case resp.StatusCode != http.StatusOK:
		return types.Credential{}, &loginError{Scheme: scheme, Status: resp.StatusCode, Err: ErrTransient}
	}

	if decodeErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode solark token response", slog.Any("error", decodeErr))
		return types.Credential{}, &loginError{Scheme: scheme, Status: resp.StatusCode, Err: ErrTransient, Cause: decodeErr}
	}

	if code := responseCode(env.Code); (env.Success != nil && !*env.Success) || (code != 0 && code != http.StatusOK) {
		return types.Credential{}, classifyRejection(scheme, resp.StatusCode, env)
	}

	tr := env.tokenResponse
	if env.Data != nil {
		tr = *env.Data
	}
	if tr.AccessToken == "" {
		if tr.Error != "" {
			return types.Credential{}, classifyRejection(scheme, resp.StatusCode, env)
		}
		return types.Credential{}, &loginError{Scheme: scheme, Status: resp.StatusCode, Err: ErrTransient, Reason: "response missing access_token"}
	}

	now := s.now()
	c := types.Credential{
		Token:            tr.AccessToken,
		IssuedAt:         now,
		ExpiresAt:        expiry(now, tr.ExpiresIn, tr.AccessToken),
		RefreshToken:     tr.RefreshToken,
		RefreshExpiresAt: expiry(now, tr.RefreshExpiresIn, tr.RefreshToken),
		Scheme:           scheme,
	}
	if c.RefreshToken == "" && prev.RefreshToken != "" {
		c.RefreshToken = prev.RefreshToken
		c.RefreshExpiresAt = prev.RefreshExpiresAt
	}
	return c, nil
}

func classifyRejection(scheme types.AuthScheme, status int, env tokenEnvelope) error {
	tr := env.tokenResponse
	if env.Data != nil && env.Data.Error != "" {
		tr = *env.Data
	}
	reason := tr.ErrorDescription
	if reason == "" {
		reason = env.Msg
	}
	if reason == "" {
		reason = tr.Error
	}
	if unsupportedOAuthErrors[tr.Error] {
		return &loginError{Scheme: scheme, Status: status, Err: ErrSchemeUnsupported, Reason: reason}
	}
	return &loginError{Scheme: scheme, Status: status, Err: ErrBadCredentials, Reason: reason}
}

// expiry returns when a token expires: now+expiresIn when the cloud sent it,
// otherwise the exp claim when the token is a JWT, otherwise zero (unknown).
func expiry(now time.Time, expiresIn interface{}, token string) time.Time {
	if secs, ok := seconds(expiresIn); ok && secs > 0 {
		return now.Add(time.Duration(secs * float64(time.Second)))
	}
	if token == "" {
		return time.Time{}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func seconds(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	}
	return 0, false
}

func (s *Session) set(ctx context.Context, c types.Credential) {
	s.mu.Lock()
	s.cred = c
	s.scheme = c.Scheme
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.SetCredential(ctx, s.username, c); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist solark credential", slog.Any("error", err))
	}
}

// discard drops the access token of c and its persisted copy. Whatever
// refresh token c still carries is kept in memory for the next attempt.
func (s *Session) discard(ctx context.Context, c types.Credential) {
	s.mu.Lock()
	if s.cred.Token != "" && s.cred.Token != c.Token {
		// renewed by someone else in the meantime
		s.mu.Unlock()
		return
	}
	s.cred = types.Credential{
		RefreshToken:     c.RefreshToken,
		RefreshExpiresAt: c.RefreshExpiresAt,
		Scheme:           c.Scheme,
	}
	s.mu.Unlock()
	s.forget(ctx)
}

func (s *Session) forget(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteCredential(ctx, s.username); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to delete persisted solark credential", slog.Any("error", err))
	}
}

// restore loads a persisted credential the first time the session is used so
// a restart does not cost a login round-trip.
func (s *Session) restore(ctx context.Context) {
	s.mu.Lock()
	if s.restored {
		s.mu.Unlock()
		return
	}
	s.restored = true
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	c, err := s.store.GetCredential(ctx, s.username)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load persisted solark credential", slog.Any("error", err))
		return
	}
	if c.IsZero() {
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "restored solark credential from cache", slog.String("scheme", c.Scheme.String()))
	s.mu.Lock()
	s.cred = c
	s.scheme = c.Scheme
	s.mu.Unlock()
}
