// Package api is the client for the GetIndexedNow backend auth endpoints.
// The backend owns all business logic; this client only shapes requests
// and extracts display messages from rejections. No automatic retries:
// challenge tokens are single-use, a silent resubmit would be rejected.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Error is a backend rejection carrying the user-displayable message
// extracted from the response body.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// RegisterRequest is the sign-up payload. Name and Company are optional.
type RegisterRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	Name           string `json:"name,omitempty"`
	Company        string `json:"company,omitempty"`
	ChallengeToken string `json:"recaptchaToken"`
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	return c.postJSON(ctx, "/api/auth/register", req, nil)
}

// LoginResult is the outcome of a password login. When Requires2FA is set
// the backend withheld the token and the caller must continue at the
// two-factor verification page with UserID.
type LoginResult struct {
	Token       string `json:"token"`
	Requires2FA bool   `json:"requires2FA"`
	UserID      string `json:"userId"`
}

// Login authenticates with email, password, and a challenge response token.
func (c *Client) Login(ctx context.Context, email, password, challengeToken string) (LoginResult, error) {
	body := map[string]string{
		"email":          email,
		"password":       password,
		"recaptchaToken": challengeToken,
	}
	var res LoginResult
	if err := c.postJSON(ctx, "/api/auth/login", body, &res); err != nil {
		return LoginResult{}, err
	}
	return res, nil
}

// VerifyOneTap exchanges a one-tap credential for a session token.
func (c *Client) VerifyOneTap(ctx context.Context, credential string) (string, error) {
	var res struct {
		Token string          `json:"token"`
		Err   json.RawMessage `json:"error"`
	}
	if err := c.postJSON(ctx, "/api/auth/google/onetap", map[string]string{"credential": credential}, &res); err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", &Error{Status: http.StatusOK, Message: displayMessage(res.Err)}
	}
	return res.Token, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("api: join url: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		c.log.Debug("api rejection", "path", path, "status", resp.StatusCode)
		return &Error{Status: resp.StatusCode, Message: extractError(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}

// extractError pulls the display message out of a rejection body: either
// a top-level "error" string or a nested error with an "_errors" list.
func extractError(raw []byte) string {
	var body struct {
		Err json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "request failed"
	}
	return displayMessage(body.Err)
}

func displayMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "request failed"
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
		return msg
	}
	var nested struct {
		Errors []string `json:"_errors"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested.Errors) > 0 {
		return nested.Errors[0]
	}
	return "request failed"
}
