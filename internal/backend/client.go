// Package backend implements the HTTP client for the remote environment
// configuration store (ESC). The store exposes a versioned key/value tree per
// environment, fetched and replaced wholesale:
//
//	GET /api/environments/{org}/{environment} -> {"values": {...}}
//	PUT /api/environments/{org}/{environment} with {"values": {...}}
//	GET /api/user                              (health probe)
//
// All requests carry a bearer token. The client reports failures as typed
// errors and never panics on network trouble; fallback policy is the caller's
// concern.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/systmms/trustplane/internal/logging"
)

// ErrEnvironmentNotFound indicates the remote store has no tree for the
// requested environment.
var ErrEnvironmentNotFound = errors.New("environment not found in remote backend")

// Error carries the failing operation and HTTP status for remote store errors.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Config configures the remote backend client.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	Organization string        `yaml:"organization"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	CACert       string        `yaml:"ca_cert"`

	// InsecureSkipVerify disables TLS verification. Test environments only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Client talks to the remote environment store.
type Client struct {
	httpClient *http.Client
	baseURL    string
	org        string
	token      string
	logger     *logging.Logger
}

// New creates a remote backend client.
func New(cfg Config, logger *logging.Logger) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log := logger.WithComponent("backend")
	log.Debug("backend client for %s org %s, token %s", cfg.BaseURL, cfg.Organization, logging.Secret(cfg.Token))

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		org:     cfg.Organization,
		token:   cfg.Token,
		logger:  log,
	}, nil
}

// GetEnvironment fetches the full value tree for an environment.
func (c *Client) GetEnvironment(ctx context.Context, environment string) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/api/environments/%s/%s", c.baseURL, c.org, environment)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrEnvironmentNotFound
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &Error{
			Op:         "fetch",
			StatusCode: resp.StatusCode,
			Message:    string(bodyBytes),
		}
	}

	var envResp struct {
		Values map[string]interface{} `json:"values"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&envResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if envResp.Values == nil {
		envResp.Values = map[string]interface{}{}
	}

	c.logger.Debug("Fetched environment tree for %s (%d top-level keys)", environment, len(envResp.Values))
	return envResp.Values, nil
}

// PutEnvironment replaces the full value tree for an environment. The store
// offers no optimistic concurrency token, so concurrent writers to the same
// environment race at tree granularity (last writer wins).
func (c *Client) PutEnvironment(ctx context.Context, environment string, values map[string]interface{}) error {
	url := fmt.Sprintf("%s/api/environments/%s/%s", c.baseURL, c.org, environment)

	body, err := json.Marshal(map[string]interface{}{"values": values})
	if err != nil {
		return fmt.Errorf("failed to marshal environment tree: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &Error{
			Op:         "update",
			StatusCode: resp.StatusCode,
			Message:    string(bodyBytes),
		}
	}

	c.logger.Debug("Updated environment tree for %s", environment)
	return nil
}

// Health probes the backend identity endpoint.
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/user", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Op:         "health",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	return nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
}
