// Package apiclient talks to the backing REST API. Every request is
// HMAC-signed via a signature preflight, and an expired access token is
// refreshed exactly once per request before giving up.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/config"
	"github.com/avask/conclave/internal/domain"
)

var ErrAuthExpired = errors.New("authentication expired")

// TokenStore holds the caller's credentials. Clear is the logout path:
// once cleared, further requests fail with ErrAuthExpired until new
// credentials are installed.
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	SetAccessToken(token string)
	Clear()
}

type MemoryTokens struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

func NewMemoryTokens(access, refresh string) *MemoryTokens {
	return &MemoryTokens{access: access, refresh: refresh}
}

func (m *MemoryTokens) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access
}

func (m *MemoryTokens) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refresh
}

func (m *MemoryTokens) SetAccessToken(token string) {
	m.mu.Lock()
	m.access = token
	m.mu.Unlock()
}

func (m *MemoryTokens) Clear() {
	m.mu.Lock()
	m.access = ""
	m.refresh = ""
	m.mu.Unlock()
}

type Client struct {
	baseURL     string
	signPath    string
	refreshPath string
	tokens      TokenStore
	http        *http.Client
}

func New(cfg config.APIConfig, tokens TokenStore) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		signPath:    cfg.SignPath,
		refreshPath: cfg.RefreshPath,
		tokens:      tokens,
		http:        &http.Client{Timeout: 10 * time.Second},
	}
}

// Do performs one signed request against the API. path is relative to
// the /api prefix. A 401 triggers exactly one token refresh followed by
// one retry of the original request; a second 401 is final.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = b
	}

	ts := time.Now().UnixMilli()
	sig, err := c.sign(ctx, method, path, payload, ts)
	if err != nil {
		return fmt.Errorf("signature preflight: %w", err)
	}

	resp, err := c.send(ctx, method, path, payload, ts, sig)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		if err := c.refresh(ctx); err != nil {
			return err
		}
		// The retry is a new request as far as the API is concerned:
		// fresh timestamp, fresh signature.
		ts = time.Now().UnixMilli()
		sig, err = c.sign(ctx, method, path, payload, ts)
		if err != nil {
			return fmt.Errorf("signature preflight: %w", err)
		}
		resp, err = c.send(ctx, method, path, payload, ts, sig)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return ErrAuthExpired
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode api response: %w", err)
	}
	return nil
}

// sign asks the signing endpoint for the request's HMAC. The endpoint
// receives the same body, method and url the real request will carry.
func (c *Client) sign(ctx context.Context, method, path string, payload []byte, ts int64) (string, error) {
	signURL := fmt.Sprintf("%s%s?url=%s&method=%s",
		c.baseURL, c.signPath, url.QueryEscape("/api"+path), url.QueryEscape(method))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TIMESTAMP", strconv.FormatInt(ts, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signing endpoint status %d", resp.StatusCode)
	}

	var body struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Signature, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, ts int64, sig string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api"+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TIMESTAMP", strconv.FormatInt(ts, 10))
	if sig != "" {
		req.Header.Set("X-HMAC-SIGNATURE", sig)
	}
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// refresh exchanges the refresh credential for a new access token. Any
// failure clears the stored credentials so the caller re-authenticates.
func (c *Client) refresh(ctx context.Context) error {
	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		c.tokens.Clear()
		return ErrAuthExpired
	}

	body, err := json.Marshal(map[string]string{"token": refreshToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.refreshPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.tokens.Clear()
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.tokens.Clear()
		log.Warn().Int("status", resp.StatusCode).Str("module", "apiclient").Msg("token refresh rejected")
		return ErrAuthExpired
	}

	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.tokens.Clear()
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	c.tokens.SetAccessToken(out.AccessToken)
	log.Info().Str("module", "apiclient").Msg("access token refreshed")
	return nil
}

// Claims fetches the participant's auth claims for room admission.
func (c *Client) Claims(ctx context.Context, id domain.ParticipantID) (string, error) {
	var out struct {
		Claims string `json:"claims"`
	}
	if err := c.Do(ctx, http.MethodGet, "/users/"+url.PathEscape(string(id))+"/claims", nil, &out); err != nil {
		return "", err
	}
	return out.Claims, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
