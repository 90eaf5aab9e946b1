package solark

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jameshartig/solarkmon/pkg/storage/storagemock"
	"github.com/jameshartig/solarkmon/pkg/types"
)

type memStore struct {
	mu      sync.Mutex
	creds   map[string]types.Credential
	sets    int
	deletes int
}

func (m *memStore) GetCredential(ctx context.Context, account string) (types.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[account], nil
}

func (m *memStore) SetCredential(ctx context.Context, account string, cred types.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		m.creds = map[string]types.Credential{}
	}
	m.creds[account] = cred
	m.sets++
	return nil
}

func (m *memStore) DeleteCredential(ctx context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, account)
	m.deletes++
	return nil
}

func writeToken(w http.ResponseWriter, access, refresh string, expiresIn int) {
	data := map[string]interface{}{
		"access_token": access,
		"token_type":   "bearer",
	}
	if refresh != "" {
		data["refresh_token"] = refresh
	}
	if expiresIn > 0 {
		data["expires_in"] = expiresIn
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    0,
		"msg":     "Success",
		"success": true,
		"data":    data,
	})
}

func testConfig(url string) *Config {
	return &Config{
		Username:    "user@example.com",
		Password:    "pass",
		PlantID:     "12345",
		AuthURL:     url + "/primary",
		LegacyURL:   url + "/legacy",
		APIURL:      url,
		PVStrings:   DefaultPVStrings,
		CallTimeout: DefaultCallTimeout,
	}
}

func TestSessionPrimaryLogin(t *testing.T) {
	var logins atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/primary/oauth/token" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		logins.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "password", body["grant_type"])
		assert.Equal(t, "csp-web", body["client_id"])
		assert.Equal(t, "user@example.com", body["username"])
		assert.Equal(t, "pass", body["password"])
		assert.Equal(t, "sunsynk", body["source"])
		writeToken(w, "tok-1", "ref-1", 3600)
	}))
	defer ts.Close()

	store := &memStore{}
	s := NewSession(testConfig(ts.URL), ts.Client(), store)

	c, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", c.Token)
	assert.Equal(t, "ref-1", c.RefreshToken)
	assert.Equal(t, types.AuthSchemePrimary, c.Scheme)
	assert.WithinDuration(t, time.Now().Add(time.Hour), c.ExpiresAt, 5*time.Second)
	assert.Equal(t, types.AuthSchemePrimary, s.Scheme())

	// a valid credential is reused
	c2, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", c2.Token)
	assert.EqualValues(t, 1, logins.Load())
	assert.Equal(t, 1, store.sets)
	assert.Equal(t, "tok-1", store.creds["user@example.com"].Token)
}

func TestSessionLegacyFallback(t *testing.T) {
	var primary, legacy, legacyRefresh atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/primary/oauth/token":
			primary.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "unsupported_grant_type",
				"error_description": "account not migrated",
			})
		case "/legacy/oauth/token":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
			assert.Empty(t, r.Form.Get("source"))
			switch r.Form.Get("grant_type") {
			case "password":
				legacy.Add(1)
				assert.Equal(t, "user@example.com", r.Form.Get("username"))
				json.NewEncoder(w).Encode(map[string]interface{}{
					"access_token":  "legacy-1",
					"refresh_token": "legacy-ref",
					"expires_in":    "3600",
				})
			case "refresh_token":
				legacyRefresh.Add(1)
				assert.Equal(t, "legacy-ref", r.Form.Get("refresh_token"))
				json.NewEncoder(w).Encode(map[string]interface{}{
					"access_token": "legacy-2",
					"expires_in":   3600,
				})
			default:
				http.Error(w, "bad grant", http.StatusBadRequest)
			}
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer ts.Close()

	s := NewSession(testConfig(ts.URL), ts.Client(), nil)

	c, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", c.Token)
	assert.Equal(t, types.AuthSchemeLegacy, c.Scheme)
	assert.Equal(t, types.AuthSchemeLegacy, s.Scheme())

	// the cloud rejected the token, the refresh stays on the legacy scheme
	c2, err := s.Refresh(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "legacy-2", c2.Token)
	assert.Equal(t, "legacy-ref", c2.RefreshToken, "refresh token is kept when not rotated")
	assert.Equal(t, types.AuthSchemeLegacy, c2.Scheme)

	// a full login after logout also goes straight to legacy
	s.Logout(context.Background())
	c3, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", c3.Token)

	assert.EqualValues(t, 1, primary.Load(), "primary must not be probed again")
	assert.EqualValues(t, 2, legacy.Load())
	assert.EqualValues(t, 1, legacyRefresh.Load())
}

func TestSessionPrimaryNotFoundFallsBack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/legacy/oauth/token" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "legacy-1",
			})
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer ts.Close()

	s := NewSession(testConfig(ts.URL), ts.Client(), nil)
	c, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", c.Token)
	assert.True(t, c.ExpiresAt.IsZero(), "no expiry means use until rejected")
	assert.True(t, c.Valid(time.Now(), RefreshMargin))
}

func TestSessionBadCredentials(t *testing.T) {
	var legacy atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/primary/oauth/token":
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "Bad credentials",
			})
		case "/legacy/oauth/token":
			legacy.Add(1)
			writeToken(w, "legacy", "", 3600)
		}
	}))
	defer ts.Close()

	store := &memStore{}
	s := NewSession(testConfig(ts.URL), ts.Client(), store)
	_, err := s.Credential(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.True(t, errors.Is(err, ErrBadCredentials))
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Contains(t, err.Error(), "Bad credentials")
	assert.EqualValues(t, 0, legacy.Load(), "bad credentials never fall back")
	assert.Equal(t, 1, store.deletes)
}

func TestSessionEnvelopeFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    102,
			"msg":     "Incorrect username or password",
			"success": false,
		})
	}))
	defer ts.Close()

	s := NewSession(testConfig(ts.URL), ts.Client(), nil)
	_, err := s.Credential(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Contains(t, err.Error(), "Incorrect username or password")
}

func TestSessionTransient(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	s := NewSession(testConfig(ts.URL), ts.Client(), nil)
	_, err := s.Credential(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrAuth))
	assert.EqualValues(t, 1, calls.Load(), "transient primary failures do not probe legacy")
	assert.Equal(t, types.AuthSchemeUnknown, s.Scheme())
}

func TestSessionMissingCredentials(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.Password = ""
	s := NewSession(cfg, http.DefaultClient, nil)
	_, err := s.Credential(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.True(t, errors.Is(err, ErrBadCredentials))
}

func TestSessionCoalescesLogin(t *testing.T) {
	var logins atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		time.Sleep(100 * time.Millisecond)
		writeToken(w, "shared", "", 3600)
	}))
	defer ts.Close()

	s := NewSession(testConfig(ts.URL), ts.Client(), nil)

	const n = 10
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.Credential(context.Background())
			tokens[i] = c.Token
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", tokens[i])
	}
	assert.EqualValues(t, 1, logins.Load())
}

func TestSessionRefresh(t *testing.T) {
	t.Run("Rejected Refresh Logs In", func(t *testing.T) {
		var logins, refreshes atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			switch body["grant_type"] {
			case "password":
				n := logins.Add(1)
				if n == 1 {
					writeToken(w, "tok-1", "ref-1", 3600)
				} else {
					writeToken(w, "tok-3", "ref-3", 3600)
				}
			case "refresh_token":
				refreshes.Add(1)
				assert.Equal(t, "ref-1", body["refresh_token"])
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			}
		}))
		defer ts.Close()

		s := NewSession(testConfig(ts.URL), ts.Client(), nil)
		c, err := s.Credential(context.Background())
		require.NoError(t, err)

		c2, err := s.Refresh(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, "tok-3", c2.Token)
		assert.EqualValues(t, 2, logins.Load())
		assert.EqualValues(t, 1, refreshes.Load())
	})

	t.Run("Already Renewed", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := calls.Add(1)
			if n == 1 {
				writeToken(w, "tok-1", "ref-1", 3600)
			} else {
				writeToken(w, "tok-2", "ref-2", 3600)
			}
		}))
		defer ts.Close()

		s := NewSession(testConfig(ts.URL), ts.Client(), nil)
		c1, err := s.Credential(context.Background())
		require.NoError(t, err)
		c2, err := s.Refresh(context.Background(), c1)
		require.NoError(t, err)
		assert.Equal(t, "tok-2", c2.Token)

		// a second caller that saw the old token gets the renewed one
		c3, err := s.Refresh(context.Background(), c1)
		require.NoError(t, err)
		assert.Equal(t, "tok-2", c3.Token)
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("Near Expiry Refreshes", func(t *testing.T) {
		var refreshes atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["grant_type"] == "refresh_token" {
				refreshes.Add(1)
				writeToken(w, "tok-2", "ref-2", 3600)
				return
			}
			// expires inside the refresh margin
			writeToken(w, "tok-1", "ref-1", 30)
		}))
		defer ts.Close()

		s := NewSession(testConfig(ts.URL), ts.Client(), nil)
		c, err := s.Credential(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", c.Token)

		c, err = s.Credential(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-2", c.Token)
		assert.Equal(t, "ref-2", c.RefreshToken)
		assert.EqualValues(t, 1, refreshes.Load())
	})
}

func TestSessionRefreshFailsTransiently(t *testing.T) {
	t.Run("Refresh Unavailable", func(t *testing.T) {
		var logins, refreshes atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			switch body["grant_type"] {
			case "password":
				logins.Add(1)
				writeToken(w, "tok-1", "ref-1", 3600)
			case "refresh_token":
				if refreshes.Add(1) == 1 {
					http.Error(w, "down", http.StatusBadGateway)
					return
				}
				assert.Equal(t, "ref-1", body["refresh_token"])
				writeToken(w, "tok-2", "ref-2", 3600)
			}
		}))
		defer ts.Close()

		store := &memStore{}
		s := NewSession(testConfig(ts.URL), ts.Client(), store)
		c, err := s.Credential(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok-1", c.Token)

		_, err = s.Refresh(context.Background(), c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTransient))

		// the rejected token is gone from memory and from the store
		assert.Empty(t, s.Current().Token)
		assert.Equal(t, "ref-1", s.Current().RefreshToken)
		assert.NotContains(t, store.creds, "user@example.com")
		assert.Equal(t, 1, store.deletes)
		assert.Equal(t, types.AuthSchemePrimary, s.Scheme())

		// the kept refresh token is tried before a full login
		c, err = s.Credential(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-2", c.Token)
		assert.EqualValues(t, 1, logins.Load())
		assert.EqualValues(t, 2, refreshes.Load())
	})

	t.Run("Login Unavailable", func(t *testing.T) {
		var logins, refreshes atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			switch body["grant_type"] {
			case "password":
				switch logins.Add(1) {
				case 1:
					writeToken(w, "tok-1", "ref-1", 3600)
				case 2:
					http.Error(w, "down", http.StatusBadGateway)
				default:
					writeToken(w, "tok-3", "ref-3", 3600)
				}
			case "refresh_token":
				refreshes.Add(1)
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			}
		}))
		defer ts.Close()

		s := NewSession(testConfig(ts.URL), ts.Client(), nil)
		c, err := s.Credential(context.Background())
		require.NoError(t, err)

		_, err = s.Refresh(context.Background(), c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTransient))
		assert.True(t, s.Current().IsZero())
		assert.Empty(t, s.Current().RefreshToken)

		// the rejected refresh token is not tried again
		c, err = s.Credential(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-3", c.Token)
		assert.EqualValues(t, 3, logins.Load())
		assert.EqualValues(t, 1, refreshes.Load())
	})
}

func TestSessionJWTExpiry(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, token, "", 0)
	}))
	defer ts.Close()

	s := NewSession(testConfig(ts.URL), ts.Client(), nil)
	c, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Equal(c.ExpiresAt), "expected %s got %s", exp, c.ExpiresAt)
}

func TestSessionRestoresFromStore(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeToken(w, "fresh", "", 3600)
	}))
	defer ts.Close()

	store := &memStore{creds: map[string]types.Credential{
		"user@example.com": {
			Token:     "cached",
			IssuedAt:  time.Now().Add(-time.Minute),
			ExpiresAt: time.Now().Add(time.Hour),
			Scheme:    types.AuthSchemeLegacy,
		},
	}}
	s := NewSession(testConfig(ts.URL), ts.Client(), store)
	c, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", c.Token)
	assert.Equal(t, types.AuthSchemeLegacy, s.Scheme())
	assert.EqualValues(t, 0, calls.Load())
}

func TestExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Hour), expiry(now, float64(3600), ""))
	assert.Equal(t, now.Add(90*time.Second), expiry(now, "90", ""))
	assert.True(t, expiry(now, nil, "not-a-jwt").IsZero())
	assert.True(t, expiry(now, "soon", "").IsZero())
}

func TestSessionStoreFailuresAreNotFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "tok", "", 3600)
	}))
	defer ts.Close()

	db := &storagemock.MockDatabase{}
	db.On("GetCredential", mock.Anything, "user@example.com").Return(types.Credential{}, errors.New("unavailable")).Once()
	db.On("SetCredential", mock.Anything, "user@example.com", mock.MatchedBy(func(c types.Credential) bool {
		return c.Token == "tok" && c.Scheme == types.AuthSchemePrimary
	})).Return(errors.New("unavailable")).Once()

	s := NewSession(testConfig(ts.URL), ts.Client(), db)
	c, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", c.Token)
	db.AssertExpectations(t)
}
