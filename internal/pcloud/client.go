// Package pcloud implements the remote collector against the pCloud HTTP
// JSON API.
package pcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/schaermu/cloudinv/internal/remote"
	"github.com/schaermu/cloudinv/internal/retry"
	"github.com/schaermu/cloudinv/internal/snapshot"
)

// DefaultBaseURL is the API endpoint for accounts in the EU region
const DefaultBaseURL = "https://eapi.pcloud.com/"

// Config holds the client settings
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds API calls; content downloads are only bounded by ctx
	Timeout time.Duration
	// RequestsPerSecond paces API calls; 0 disables pacing
	RequestsPerSecond float64
	Retry             retry.Policy
	Logger            *slog.Logger
}

// Client talks to the pCloud API with one auth token per session
type Client struct {
	baseURL    string
	username   string
	password   string
	api        *http.Client
	download   *http.Client
	limiter    *rate.Limiter
	retry      retry.Policy
	logger     *slog.Logger
	linkScheme string

	mu   sync.Mutex
	auth string
}

var _ remote.Collector = (*Client)(nil)

// New creates a client; no request is made until the first call
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		api:        &http.Client{Timeout: cfg.Timeout, Transport: transport},
		download:   &http.Client{Transport: transport},
		limiter:    limiter,
		retry:      cfg.Retry,
		logger:     cfg.Logger,
		linkScheme: "https",
	}
}

// APIError is a non-zero result code returned by the API
type APIError struct {
	Method string
	Code   int
	Text   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pcloud %s: result %d: %s", e.Method, e.Code, e.Text)
}

type envelope struct {
	Result int    `json:"result"`
	Error  string `json:"error"`
}

// UserInfo is the subset of userinfo the client uses
type UserInfo struct {
	Auth      string `json:"auth"`
	Email     string `json:"email"`
	Quota     int64  `json:"quota"`
	UsedQuota int64  `json:"usedquota"`
}

// UsedPercent returns the share of the quota in use
func (u *UserInfo) UsedPercent() float64 {
	if u.Quota <= 0 {
		return 0
	}
	return float64(u.UsedQuota) / float64(u.Quota) * 100
}

// Login authenticates and keeps the returned token for later calls
func (c *Client) Login(ctx context.Context) (*UserInfo, error) {
	params := url.Values{}
	params.Set("username", c.username)
	params.Set("password", c.password)
	params.Set("getauth", "1")

	var info UserInfo
	if err := c.call(ctx, "userinfo", params, &info); err != nil {
		return nil, remote.Fail("login", err)
	}
	if info.Auth == "" {
		return nil, remote.Fail("login", fmt.Errorf("no auth token returned"))
	}

	c.mu.Lock()
	c.auth = info.Auth
	c.mu.Unlock()

	c.logger.Info("logged in to pcloud",
		"email", info.Email,
		"used_percent", fmt.Sprintf("%.2f", info.UsedPercent()))
	return &info, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	auth := c.auth
	c.mu.Unlock()
	if auth != "" {
		return auth, nil
	}
	info, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	return info.Auth, nil
}

// ListAll returns the recursive listing of the account root
func (c *Client) ListAll(ctx context.Context) (*snapshot.Item, error) {
	auth, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("auth", auth)
	params.Set("path", "/")
	params.Set("recursive", "1")

	var resp struct {
		Metadata *snapshot.Item `json:"metadata"`
	}
	if err := c.call(ctx, "listfolder", params, &resp); err != nil {
		return nil, remote.Fail("listfolder", err)
	}
	if resp.Metadata == nil {
		return nil, remote.Fail("listfolder", fmt.Errorf("response carries no metadata"))
	}
	if resp.Metadata.Path == "" {
		resp.Metadata.Path = "/"
	}

	folders, files := resp.Metadata.Tree().Count()
	c.logger.Info("listed pcloud account", "folders", folders, "files", files)
	return resp.Metadata, nil
}

// FileLink resolves a file id to a download URL
func (c *Client) FileLink(ctx context.Context, fileID string) (string, error) {
	auth, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("auth", auth)
	params.Set("fileid", fileID)

	var resp struct {
		Hosts []string `json:"hosts"`
		Path  string   `json:"path"`
	}
	if err := c.call(ctx, "getfilelink", params, &resp); err != nil {
		return "", remote.Fail("getfilelink", err)
	}
	if len(resp.Hosts) == 0 || resp.Path == "" {
		return "", remote.Fail("getfilelink", fmt.Errorf("no download host for file %s", fileID))
	}

	link := c.linkScheme + "://" + resp.Hosts[0] + resp.Path
	c.logger.Debug("resolved file link", "fileid", fileID, "url", link)
	return link, nil
}

// Fetch opens the content of a file. The caller closes the reader.
func (c *Client) Fetch(ctx context.Context, fileID string) (io.ReadCloser, error) {
	link, err := c.FileLink(ctx, fileID)
	if err != nil {
		return nil, err
	}

	body, err := retry.DoWithResult(ctx, c.retry, func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.download.Do(req)
		if err != nil {
			return nil, retry.Transient(err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			if resp.StatusCode >= 500 {
				return nil, retry.Transient(fmt.Errorf("download returned %d", resp.StatusCode))
			}
			return nil, fmt.Errorf("download returned %d", resp.StatusCode)
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, remote.Fail("download "+fileID, err)
	}
	return body, nil
}

// Close logs out, invalidating the auth token. It is a no-op without a session.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	auth := c.auth
	c.auth = ""
	c.mu.Unlock()
	if auth == "" {
		return nil
	}

	params := url.Values{}
	params.Set("auth", auth)

	var resp struct {
		AuthDeleted bool `json:"auth_deleted"`
	}
	if err := c.call(ctx, "logout", params, &resp); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	if !resp.AuthDeleted {
		c.logger.Warn("pcloud logout did not delete the auth token")
		return nil
	}
	c.logger.Info("logged out from pcloud")
	return nil
}

// call performs one paced, retried API method and decodes the response into out
func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := c.baseURL + method + "?" + params.Encode()

	return retry.Do(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.api.Do(req)
		if err != nil {
			return retry.Transient(err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("%s returned status %d", method, resp.StatusCode)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return retry.Transient(err)
			}
			return err
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, err)
		}
		if env.Result != 0 {
			return &APIError{Method: method, Code: env.Result, Text: env.Error}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, err)
		}
		return nil
	})
}
