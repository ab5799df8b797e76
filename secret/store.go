package secret

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pipeweave/restcall/logger"
	"github.com/pipeweave/restcall/trace"
)

// Store resolves secrets by id and can force a refresh (e.g. OAuth2 token
// rotation). Refresh is idempotent from the engine's perspective: it always
// returns the current token set.
type Store interface {
	Get(ctx context.Context, secretID string) (*Secret, error)
	Refresh(ctx context.Context, secretID string) (*Secret, error)
}

const defaultStoreTimeout = 30 * time.Second

// HTTPStore fetches secrets from the platform credentials API:
// GET <base>/secrets/<id> and POST <base>/secrets/<id>/refresh,
// authenticated with the platform's basic credentials.
type HTTPStore struct {
	baseURL    string
	username   string
	password   string
	userAgent  string
	httpClient *http.Client
	log        logger.Logger
}

// HTTPStoreConfig configures a platform-API credential store.
type HTTPStoreConfig struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
}

// NewHTTPStore creates a credential store backed by the platform API.
func NewHTTPStore(cfg HTTPStoreConfig, log logger.Logger) *HTTPStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &HTTPStore{
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Get fetches the secret by id.
func (s *HTTPStore) Get(ctx context.Context, secretID string) (*Secret, error) {
	return s.fetch(ctx, http.MethodGet, s.baseURL+"/secrets/"+secretID)
}

// Refresh forces a credential rotation and returns the resulting secret.
func (s *HTTPStore) Refresh(ctx context.Context, secretID string) (*Secret, error) {
	return s.fetch(ctx, http.MethodPost, s.baseURL+"/secrets/"+secretID+"/refresh")
}

func (s *HTTPStore) fetch(ctx context.Context, method, url string) (*Secret, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("secret: failed to create request: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set(trace.HeaderXRequestID, trace.EnsureRequestID(ctx))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secret: credentials request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("secret: credentials request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("secret: failed to read credentials response: %w", err)
	}

	// Platform envelope: {"data": {"attributes": {...secret...}}}
	var envelope struct {
		Data struct {
			Attributes Secret `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("secret: malformed credentials response: %w", err)
	}

	return &envelope.Data.Attributes, nil
}
