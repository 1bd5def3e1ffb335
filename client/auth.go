package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// AuthClient speaks to the remote auth endpoints. It only produces bearer
// tokens; keeping session state is the session store's job.
type AuthClient struct {
	baseURL string
	httpc   *http.Client
	logger  *log.Logger
}

// NewAuthClient creates an AuthClient for the API rooted at baseURL.
func NewAuthClient(baseURL string, httpc *http.Client, logger *log.Logger) (*AuthClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: invalid base URL %q", baseURL)
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &AuthClient{baseURL: strings.TrimRight(baseURL, "/"), httpc: httpc, logger: logger}, nil
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Login exchanges credentials for a bearer token.
func (a *AuthClient) Login(ctx context.Context, email, password string) (string, error) {
	return a.obtainToken(ctx, "/auth/login", email, password)
}

// Register creates an account and returns the bearer token for it.
func (a *AuthClient) Register(ctx context.Context, email, password string) (string, error) {
	return a.obtainToken(ctx, "/auth/register", email, password)
}

// Logout invalidates the token server-side. A failure here is reported but
// the local session is cleared regardless by the caller.
func (a *AuthClient) Logout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("POST /auth/logout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, responseMaxSize))
		return apiErrorFromResponse(resp.StatusCode, body)
	}
	return nil
}

func (a *AuthClient) obtainToken(ctx context.Context, path, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", fmt.Errorf("client: email and password are required")
	}
	data, err := sonic.ConfigStd.Marshal(authRequest{Email: email, Password: password})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseMaxSize))
	if err != nil {
		return "", fmt.Errorf("POST %s: read response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apiErrorFromResponse(resp.StatusCode, body)
	}

	var ar authResponse
	if err := sonic.ConfigStd.Unmarshal(body, &ar); err != nil {
		return "", fmt.Errorf("POST %s: decode response: %w", path, err)
	}
	if ar.Token == "" {
		return "", fmt.Errorf("POST %s: response carried no token", path)
	}
	a.logger.WithField("path", path).Debug("auth.token.obtained")
	return ar.Token, nil
}
