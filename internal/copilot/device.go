// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// deviceClientID is the OAuth app id the device flow authenticates against.
const deviceClientID = "Iv1.b507a08c87ecfe98"

// DeviceCode is the response of the device-code request.
// https://docs.github.com/en/apps/oauth-apps/building-oauth-apps/authorizing-oauth-apps#device-flow
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// CopilotToken is the short-lived API credential obtained by presenting the
// long-lived GitHub token.
type CopilotToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	// RefreshIn is the number of seconds after which the token should be
	// refreshed.
	RefreshIn int `json:"refresh_in"`
	Endpoints struct {
		// API overrides the default API base URL when non-empty.
		API string `json:"api"`
	} `json:"endpoints"`
}

// RequestDeviceCode starts the device-code grant.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id": deviceClientID,
		"scope":     "read:user",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.githubBase+"/login/device/code", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set("Accept", jsonContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp, "")
	}
	out := &DeviceCode{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode device code response: %w", err)
	}
	return out, nil
}

// PollAccessToken polls the token endpoint at the server-returned interval
// until the user completes authorization or the device code expires.
func (c *Client) PollAccessToken(ctx context.Context, dc *DeviceCode) (string, error) {
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("device code expired before authorization completed")
		}

		token, pollErr, err := c.pollOnce(ctx, dc.DeviceCode)
		if err != nil {
			return "", err
		}
		switch pollErr {
		case "":
			return token, nil
		case "authorization_pending":
			// keep polling
		case "slow_down":
			interval += 5 * time.Second
		case "expired_token":
			return "", fmt.Errorf("device code expired before authorization completed")
		default:
			return "", fmt.Errorf("device authorization failed: %s", pollErr)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, deviceCode string) (token, pollErr string, err error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":   deviceClientID,
		"device_code": deviceCode,
		"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.githubBase+"/login/oauth/access_token", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set("Accept", jsonContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("access token poll failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", newUpstreamError(resp, "")
	}

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("failed to decode access token response: %w", err)
	}
	return out.AccessToken, out.Error, nil
}

// ExchangeToken trades the long-lived GitHub token for a short-lived API
// token, possibly carrying an API endpoint override.
func (c *Client) ExchangeToken(ctx context.Context, githubToken string) (*CopilotToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.githubAPIBase+"/copilot_internal/v2/token", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorPluginVersion)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp, "")
	}
	out := &CopilotToken{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode token exchange response: %w", err)
	}
	return out, nil
}

// Usage fetches the account usage document as raw JSON.
func (c *Client) Usage(ctx context.Context, githubToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.githubAPIBase+"/copilot_internal/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp, "")
	}
	return io.ReadAll(resp.Body)
}
