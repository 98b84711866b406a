package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
)

// DefaultBaseURL is the production Plejd cloud endpoint.
const DefaultBaseURL = "https://cloud.plejd.com"

const (
	// applicationID is the public Parse application id of the Plejd app.
	applicationID = "zHtVqXt8k4yFyk2QGmgp48D9xZr2G94xWYnF4dak"

	defaultTimeout = 15 * time.Second

	// codeObjectNotFound is the Parse error code for a failed login.
	codeObjectNotFound = 101

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 4096
)

// Config holds account API settings.
type Config struct {
	// BaseURL overrides DefaultBaseURL.
	BaseURL string

	Username string
	Password string

	// Timeout bounds each HTTP request. Default: 15 seconds.
	Timeout time.Duration

	// HTTPClient replaces the default client. Its timeout is left unchanged.
	HTTPClient *http.Client
}

var _ plejd.AccountService = (*Client)(nil)

// Client fetches sites from the Plejd cloud.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// New creates an account API client.
//
// Returns:
//   - *Client: ready to use, no request is made until Sites is called
//   - error: ErrMissingCredentials if username or password is empty
func New(cfg Config) (*Client, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, ErrMissingCredentials
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
	}, nil
}

// Sites logs in and returns every site on the account with its rooms,
// devices and scenes.
func (c *Client) Sites(ctx context.Context) ([]plejd.Site, error) {
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}

	var list siteListResponse
	if err := c.post(ctx, "/parse/functions/getSiteList", nil, token, nil, &list); err != nil {
		return nil, fmt.Errorf("get site list: %w", err)
	}

	sites := make([]plejd.Site, 0, len(list.Result))
	for _, entry := range list.Result {
		var detail siteDetailResponse
		query := url.Values{"siteId": {entry.Site.SiteID}}
		if err := c.post(ctx, "/parse/functions/getSiteById", query, token, nil, &detail); err != nil {
			return nil, fmt.Errorf("get site %s: %w", entry.Site.SiteID, err)
		}
		if len(detail.Result) == 0 {
			return nil, fmt.Errorf("%w: site %s: empty result", ErrRequestFailed, entry.Site.SiteID)
		}
		site, err := detail.Result[0].toSite()
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", entry.Site.SiteID, err)
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// login exchanges the credentials for a session token.
func (c *Client) login(ctx context.Context) (string, error) {
	body := map[string]string{"username": c.username, "password": c.password}

	var resp loginResponse
	if err := c.post(ctx, "/parse/login", nil, "", body, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.SessionToken == "" {
		return "", fmt.Errorf("%w: login returned no session token", ErrRequestFailed)
	}
	return resp.SessionToken, nil
}

// post sends a JSON POST and decodes a 200 response into out.
func (c *Client) post(ctx context.Context, path string, query url.Values, token string, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode body: %w", ErrRequestFailed, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("X-Parse-Application-Id", applicationID)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Parse-Session-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr parseError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code == codeObjectNotFound && path == "/parse/login" {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: %s returned %d: %s", ErrRequestFailed, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrRequestFailed, path, err)
	}
	return nil
}
