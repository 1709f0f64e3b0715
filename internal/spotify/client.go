// Package spotify is the music-service adapter. It speaks the Spotify Web API
// and the accounts OAuth endpoint, classifying responses into the error kinds
// the rest of the engine retries or surfaces on:
//
//	401                → trace.AccessDenied   (token expired / revoked)
//	404 / no device    → trace.NotFound
//	429                → trace.LimitExceeded  (Retry-After honored)
//	5xx / network      → trace.ConnectionProblem
//	other 4xx          → trace.BadParameter
package spotify

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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"
)

const (
	defaultAPIURL      = "https://api.spotify.com"
	defaultAccountsURL = "https://accounts.spotify.com"

	maxAttempts   = 3
	maxRetryAfter = 60 * time.Second
)

// Client calls the Spotify Web API.
type Client struct {
	apiURL       string
	accountsURL  string
	clientID     string
	clientSecret string
	client       *http.Client
	log          zerolog.Logger
}

type Options struct {
	APIURL       string // override for tests
	AccountsURL  string // override for tests
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Log          zerolog.Logger
}

func NewClient(opts Options) *Client {
	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	accountsURL := opts.AccountsURL
	if accountsURL == "" {
		accountsURL = defaultAccountsURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:       strings.TrimRight(apiURL, "/"),
		accountsURL:  strings.TrimRight(accountsURL, "/"),
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		client:       &http.Client{Timeout: timeout},
		log:          opts.Log.With().Str("component", "spotify").Logger(),
	}
}

// TokenResponse is the OAuth refresh result. RefreshToken is empty unless the
// service rotated it.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// PlaybackState reports what the user's account is currently playing.
type PlaybackState struct {
	IsPlaying  bool
	DeviceID   string
	ContextURI string
}

// PlayingOn reports whether playback is running on the given target device.
func (s *PlaybackState) PlayingOn(deviceID string) bool {
	return s != nil && s.IsPlaying && s.DeviceID == deviceID
}

// Device is one entry from the user's device list.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	IsActive bool   `json:"is_active"`
}

// RefreshAccessToken exchanges a refresh token for a fresh access token.
// A revoked refresh token (invalid_grant) maps to trace.AccessDenied so the
// warden can park the user rather than retry.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	status, body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.accountsURL+"/api/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.clientID, c.clientSecret)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_grant" {
			return nil, trace.AccessDenied("refresh token revoked: %s", oauthErr.ErrorDescription)
		}
		return nil, classifyStatus(status, body)
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, trace.Wrap(err, "decode token response")
	}
	if tok.AccessToken == "" {
		return nil, trace.BadParameter("token response missing access_token")
	}
	return &tok, nil
}

// GetPlaybackState returns the account's current playback. A 204 means nothing
// is playing anywhere; that is a valid state, not an error.
func (c *Client) GetPlaybackState(ctx context.Context, accessToken string) (*PlaybackState, error) {
	status, body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.apiRequest(ctx, http.MethodGet, "/v1/me/player", "", accessToken, nil)
	})
	if err != nil {
		return nil, err
	}

	if status == http.StatusNoContent {
		return &PlaybackState{}, nil
	}
	if status != http.StatusOK {
		return nil, classifyStatus(status, body)
	}

	var raw struct {
		IsPlaying bool `json:"is_playing"`
		Device    struct {
			ID string `json:"id"`
		} `json:"device"`
		Context struct {
			URI string `json:"uri"`
		} `json:"context"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, trace.Wrap(err, "decode playback state")
	}
	return &PlaybackState{
		IsPlaying:  raw.IsPlaying,
		DeviceID:   raw.Device.ID,
		ContextURI: raw.Context.URI,
	}, nil
}

// StartPlayback starts the given context (playlist/album/artist URI) on the
// target device. An empty contextRef resumes whatever was last playing.
func (c *Client) StartPlayback(ctx context.Context, accessToken, deviceID, contextRef string) error {
	var payload []byte
	if contextRef != "" {
		b, err := json.Marshal(map[string]string{"context_uri": contextRef})
		if err != nil {
			return trace.Wrap(err)
		}
		payload = b
	}

	status, body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.apiRequest(ctx, http.MethodPut, "/v1/me/player/play", deviceID, accessToken, payload)
	})
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return classifyStatus(status, body)
	}
	return nil
}

// PausePlayback pauses the target device.
func (c *Client) PausePlayback(ctx context.Context, accessToken, deviceID string) error {
	status, body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.apiRequest(ctx, http.MethodPut, "/v1/me/player/pause", deviceID, accessToken, nil)
	})
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return classifyStatus(status, body)
	}
	return nil
}

// ListDevices returns the user's available playback devices.
func (c *Client) ListDevices(ctx context.Context, accessToken string) ([]Device, error) {
	status, body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.apiRequest(ctx, http.MethodGet, "/v1/me/player/devices", "", accessToken, nil)
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(status, body)
	}

	var raw struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, trace.Wrap(err, "decode device list")
	}
	return raw.Devices, nil
}

func (c *Client) apiRequest(ctx context.Context, method, path, deviceID, accessToken string, body []byte) (*http.Request, error) {
	u := c.apiURL + path
	if deviceID != "" {
		u += "?device_id=" + url.QueryEscape(deviceID)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doWithRetry runs a request with bounded retries. Only rate limits and
// transient failures are retried; everything else returns on the first
// attempt. The request is rebuilt each attempt because bodies are one-shot.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (int, []byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, trace.ConnectionProblem(ctx.Err(), "spotify request canceled")
			case <-time.After(retryDelay(lastErr, bo.NextBackOff())):
			}
		}

		req, err := build()
		if err != nil {
			return 0, nil, trace.Wrap(err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = trace.ConnectionProblem(err, "spotify request")
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = trace.ConnectionProblem(err, "read spotify response")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = rateLimited(resp, body)
			continue
		case resp.StatusCode >= 500:
			lastErr = trace.ConnectionProblem(nil, "spotify %d: %s", resp.StatusCode, truncate(body))
			continue
		}

		return resp.StatusCode, body, nil
	}
	return 0, nil, lastErr
}

// retryAfterError carries the server-directed delay through the retry loop.
type retryAfterError struct {
	error
	after time.Duration
}

func (e *retryAfterError) Unwrap() error { return e.error }

func rateLimited(resp *http.Response, body []byte) error {
	err := trace.LimitExceeded("spotify rate limited: %s", truncate(body))
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
			after := time.Duration(secs) * time.Second
			if after > maxRetryAfter {
				after = maxRetryAfter
			}
			return &retryAfterError{error: err, after: after}
		}
	}
	return err
}

func retryDelay(err error, fallback time.Duration) time.Duration {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after
	}
	return fallback
}

func classifyStatus(status int, body []byte) error {
	msg := truncate(body)
	switch {
	case status == http.StatusUnauthorized:
		return trace.AccessDenied("spotify 401: %s", msg)
	case status == http.StatusNotFound:
		return trace.NotFound("spotify 404: %s", msg)
	case status == http.StatusTooManyRequests:
		return trace.LimitExceeded("spotify rate limited: %s", msg)
	case status >= 500:
		return trace.ConnectionProblem(nil, "spotify %d: %s", status, msg)
	default:
		return trace.BadParameter("spotify %d: %s", status, msg)
	}
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return fmt.Sprintf("%s… (%d bytes)", body[:max], len(body))
	}
	return string(body)
}
