package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avask/conclave/internal/config"
)

type apiFixture struct {
	signCalls    int
	refreshCalls int
	apiCalls     []*http.Request
	apiHandler   func(w http.ResponseWriter, r *http.Request)
	srv          *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{}
	mux := http.NewServeMux()
	mux.HandleFunc("/sign", func(w http.ResponseWriter, r *http.Request) {
		f.signCalls++
		require.NotEmpty(t, r.Header.Get("X-TIMESTAMP"))
		require.NotEmpty(t, r.URL.Query().Get("url"))
		require.NotEmpty(t, r.URL.Query().Get("method"))
		_ = json.NewEncoder(w).Encode(map[string]string{"signature": fmt.Sprintf("sig-%d", f.signCalls)})
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls++
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["token"] != "good-refresh" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "fresh-access"})
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls = append(f.apiCalls, r.Clone(context.Background()))
		f.apiHandler(w, r)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) client(tokens TokenStore) *Client {
	return New(config.APIConfig{
		BaseURL:     f.srv.URL,
		SignPath:    "/sign",
		RefreshPath: "/refresh",
	}, tokens)
}

func TestDo_SendsSignatureTimestampAndBearer(t *testing.T) {
	f := newAPIFixture(t)
	f.apiHandler = func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"claims": "member"})
	}

	c := f.client(NewMemoryTokens("access-1", "good-refresh"))

	var out struct {
		Claims string `json:"claims"`
	}
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "/users/p1/claims", nil, &out))
	require.Equal(t, "member", out.Claims)

	require.Equal(t, 1, f.signCalls)
	require.Len(t, f.apiCalls, 1)
	req := f.apiCalls[0]
	require.Equal(t, "sig-1", req.Header.Get("X-HMAC-SIGNATURE"))
	require.NotEmpty(t, req.Header.Get("X-TIMESTAMP"))
	require.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
}

func TestDo_RefreshesExactlyOnceOn401(t *testing.T) {
	f := newAPIFixture(t)
	f.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}

	tokens := NewMemoryTokens("stale-access", "good-refresh")
	c := f.client(tokens)

	require.NoError(t, c.Do(context.Background(), http.MethodGet, "/thing", nil, nil))
	require.Equal(t, 1, f.refreshCalls)
	require.Len(t, f.apiCalls, 2)
	require.Equal(t, "fresh-access", tokens.AccessToken())

	// The retry is freshly signed, never a replay of the first attempt.
	require.Equal(t, 2, f.signCalls)
	require.Equal(t, "sig-1", f.apiCalls[0].Header.Get("X-HMAC-SIGNATURE"))
	require.Equal(t, "sig-2", f.apiCalls[1].Header.Get("X-HMAC-SIGNATURE"))
}

func TestDo_SecondUnauthorizedIsFinal(t *testing.T) {
	f := newAPIFixture(t)
	f.apiHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	c := f.client(NewMemoryTokens("stale-access", "good-refresh"))

	err := c.Do(context.Background(), http.MethodGet, "/thing", nil, nil)
	require.ErrorIs(t, err, ErrAuthExpired)
	// One refresh, one retry, then give up.
	require.Equal(t, 1, f.refreshCalls)
	require.Len(t, f.apiCalls, 2)
}

func TestDo_RefreshFailureClearsCredentials(t *testing.T) {
	f := newAPIFixture(t)
	f.apiHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	tokens := NewMemoryTokens("stale-access", "bad-refresh")
	c := f.client(tokens)

	err := c.Do(context.Background(), http.MethodGet, "/thing", nil, nil)
	require.ErrorIs(t, err, ErrAuthExpired)
	require.Empty(t, tokens.AccessToken())
	require.Empty(t, tokens.RefreshToken())
	require.Len(t, f.apiCalls, 1)
}

func TestDo_NoRefreshTokenFailsFast(t *testing.T) {
	f := newAPIFixture(t)
	f.apiHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	tokens := NewMemoryTokens("stale-access", "")
	c := f.client(tokens)

	err := c.Do(context.Background(), http.MethodGet, "/thing", nil, nil)
	require.ErrorIs(t, err, ErrAuthExpired)
	require.Zero(t, f.refreshCalls)
}
