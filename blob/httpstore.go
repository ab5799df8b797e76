package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pipeweave/restcall/logger"
	"github.com/pipeweave/restcall/trace"
)

const defaultSignedStoreTimeout = 60 * time.Second

// SignedURLStore is a blob store backed by the platform storage API. Each
// upload asks the API for a signed URL pair, PUTs the content to the put URL
// and hands the get URL out as the reference. Reference URLs are recognized
// by the "storage_type=maester" query marker.
type SignedURLStore struct {
	signEndpoint string
	username     string
	password     string
	userAgent    string
	httpClient   *http.Client
	log          logger.Logger
}

// SignedURLStoreConfig configures a platform-API blob store.
type SignedURLStoreConfig struct {
	// SignEndpoint is the POST endpoint issuing signed URL pairs.
	SignEndpoint string
	Username     string
	Password     string
	UserAgent    string
	Timeout      time.Duration
}

// NewSignedURLStore creates a blob store backed by the platform storage API.
func NewSignedURLStore(cfg SignedURLStoreConfig, log logger.Logger) *SignedURLStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSignedStoreTimeout
	}
	return &SignedURLStore{
		signEndpoint: cfg.SignEndpoint,
		username:     cfg.Username,
		password:     cfg.Password,
		userAgent:    cfg.UserAgent,
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
	}
}

// CreateUploadTarget issues a fresh signed URL pair.
func (s *SignedURLStore) CreateUploadTarget(ctx context.Context) (*UploadTarget, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signEndpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to create sign request: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set(trace.HeaderXRequestID, trace.EnsureRequestID(ctx))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: signed URL request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("blob: signed URL request failed with status %d", resp.StatusCode)
	}

	var target UploadTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("blob: malformed signed URL response: %w", err)
	}
	return &target, nil
}

// Upload writes content to a fresh signed target and returns its reference.
func (s *SignedURLStore) Upload(ctx context.Context, content io.Reader, size int64, contentType string) (*Reference, error) {
	target, err := s.CreateUploadTarget(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("put_url", target.PutURL).Msg("Uploading to signed URL")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.PutURL, content)
	if err != nil {
		return nil, fmt.Errorf("blob: failed to create upload request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("blob: upload failed with status %d", resp.StatusCode)
	}

	return &Reference{
		URL:         target.GetURL,
		Size:        size,
		ContentType: contentType,
	}, nil
}

// Resolve opens a stored reference (or any HTTP URL the store signed) for reading.
func (s *SignedURLStore) Resolve(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("blob: failed to create fetch request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set(trace.HeaderXRequestID, trace.EnsureRequestID(ctx))

	resp, err := s.httpClient.Do(req) //nolint:bodyclose // returned to caller
	if err != nil {
		return nil, 0, fmt.Errorf("blob: fetch failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("blob: fetch failed with status %d", resp.StatusCode)
	}

	length := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if parsed, err := strconv.ParseInt(cl, 10, 64); err == nil {
			length = parsed
		}
	}
	return resp.Body, length, nil
}

// IsReference reports whether url carries the store's reference marker.
func (s *SignedURLStore) IsReference(url string) bool {
	return strings.HasSuffix(url, "=maester")
}
