package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
)

const (
	DefaultLongPollTimeout = 30 * time.Second

	maxResponseBytes = 8 << 20

	pathVersions   = "/_matrix/client/versions"
	pathWellKnown  = "/.well-known/matrix/client"
	pathLogin      = "/_matrix/client/v3/login"
	pathLogout     = "/_matrix/client/v3/logout"
	pathRefresh    = "/_matrix/client/v3/refresh"
	pathRegister   = "/_matrix/client/v3/register"
	pathSync       = "/_matrix/client/v3/sync"
	pathKeyVersion = "/_matrix/client/v3/room_keys/version"
)

var errNoHomeserver = errors.New("no homeserver configured")

type ClientConfig struct {
	Homeserver string
	// HTTPClient is used for all requests. If nil, a client with a timeout
	// above the sync long-poll is used.
	HTTPClient      *http.Client
	Logger          zerolog.Logger
	LongPollTimeout time.Duration
	// RetryMaxInterval caps the wait between failed sync requests.
	RetryMaxInterval time.Duration
}

// Client is a Matrix client-server API client holding at most one session.
// It is safe for concurrent use.
type Client struct {
	httpClient       *http.Client
	logger           zerolog.Logger
	longPollTimeout  time.Duration
	retryMaxInterval time.Duration

	mu           sync.RWMutex
	homeserver   string
	accessToken  string
	refreshToken string
	userID       string
	deviceID     string
	backupKey    []byte

	loginStates *broadcaster[domain.LoginState]
	syncUpdates *broadcaster[domain.SyncUpdate]

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

func NewClient(cfg ClientConfig) *Client {
	longPoll := cfg.LongPollTimeout
	if longPoll <= 0 {
		longPoll = DefaultLongPollTimeout
	}
	retryMax := cfg.RetryMaxInterval
	if retryMax <= 0 {
		retryMax = time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: longPoll + 30*time.Second}
	}

	return &Client{
		httpClient:       httpClient,
		logger:           cfg.Logger,
		longPollTimeout:  longPoll,
		retryMaxInterval: retryMax,
		homeserver:       strings.TrimRight(cfg.Homeserver, "/"),
		loginStates:      newBroadcaster[domain.LoginState](cfg.Logger, "login state"),
		syncUpdates:      newBroadcaster[domain.SyncUpdate](cfg.Logger, "sync"),
	}
}

func (c *Client) Homeserver() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.homeserver
}

func (c *Client) SetHomeserver(homeserver string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.homeserver = strings.TrimRight(homeserver, "/")
}

// CheckHomeserver follows .well-known delegation when the server publishes
// one and confirms the resolved base URL answers /versions.
func (c *Client) CheckHomeserver(ctx context.Context, homeserver string) (string, error) {
	base, err := domain.NormalizeHomeserver(homeserver)
	if err != nil {
		return "", err
	}

	resolved := base
	if delegated, err := c.wellKnown(ctx, base); err != nil {
		c.logger.Debug().Err(err).Str("homeserver", base).Msg("no usable well-known document")
	} else if delegated != "" {
		resolved = delegated
	}

	body, err := c.doRequest(ctx, http.MethodGet, resolved, pathVersions, "", nil)
	if err != nil {
		return "", fmt.Errorf("check homeserver %s: %w", resolved, err)
	}
	var versions struct {
		Versions []string `json:"versions"`
	}
	if err := json.Unmarshal(body, &versions); err != nil {
		return "", fmt.Errorf("parse versions response: %w", err)
	}
	if len(versions.Versions) == 0 {
		return "", fmt.Errorf("check homeserver %s: server advertises no client API versions", resolved)
	}

	return resolved, nil
}

func (c *Client) wellKnown(ctx context.Context, base string) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, base, pathWellKnown, "", nil)
	if err != nil {
		return "", err
	}
	var document struct {
		Homeserver struct {
			BaseURL string `json:"base_url"`
		} `json:"m.homeserver"`
	}
	if err := json.Unmarshal(body, &document); err != nil {
		return "", fmt.Errorf("parse well-known document: %w", err)
	}
	if document.Homeserver.BaseURL == "" {
		return "", nil
	}

	return domain.NormalizeHomeserver(document.Homeserver.BaseURL)
}

func (c *Client) GetLoginFlows(ctx context.Context) ([]domain.LoginFlow, error) {
	body, err := c.call(ctx, http.MethodGet, pathLogin, false, nil)
	if err != nil {
		return nil, fmt.Errorf("get login flows: %w", err)
	}
	var response struct {
		Flows []domain.LoginFlow `json:"flows"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parse login flows: %w", err)
	}

	return response.Flows, nil
}

// Request performs an arbitrary call against the configured homeserver. Error
// responses come back as *domain.MatrixError carrying the raw body.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	response, err := c.call(ctx, method, path, true, body)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(response), nil
}

// call sends a request to the configured homeserver, with the session token
// when authenticated is set and one is held.
func (c *Client) call(ctx context.Context, method, path string, authenticated bool, body any, query ...url.Values) ([]byte, error) {
	c.mu.RLock()
	homeserver, token := c.homeserver, c.accessToken
	c.mu.RUnlock()

	if homeserver == "" {
		return nil, errNoHomeserver
	}
	if !authenticated {
		token = ""
	}

	return c.doRequest(ctx, method, homeserver, path, token, body, query...)
}

// doRequest returns the body on 2xx. Any other status yields a
// *domain.MatrixError, even when the server sent no errcode.
func (c *Client) doRequest(ctx context.Context, method, baseURL, path, accessToken string, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	matrixErr := &domain.MatrixError{}
	if jsonErr := json.Unmarshal(responseBody, matrixErr); jsonErr != nil {
		matrixErr = &domain.MatrixError{Message: strings.TrimSpace(string(responseBody))}
	}
	if matrixErr.Message == "" {
		matrixErr.Message = http.StatusText(response.StatusCode)
	}
	matrixErr.StatusCode = response.StatusCode
	matrixErr.Body = responseBody

	return nil, matrixErr
}
