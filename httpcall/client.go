package httpcall

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/pipeweave/restcall/blob"
	"github.com/pipeweave/restcall/expression"
	"github.com/pipeweave/restcall/logger"
	"github.com/pipeweave/restcall/secret"
	"github.com/pipeweave/restcall/trace"
)

// maxAuthRefreshCycles bounds the 401/403 secret-refresh protocol so a store
// that keeps handing back rejected tokens cannot loop forever. Refresh cycles
// do not consume the retry budget.
const maxAuthRefreshCycles = 10

// backoffBase is the unit of the exponential backoff schedule: attempt n
// waits 2^n of these unless the response names a retry-after interval.
const backoffBase = time.Second

// ClientOptions carries the collaborators a client executes with. Zero-value
// fields fall back to defaults; Secrets and Blobs are optional and disable
// authentication and attachment handling respectively when nil.
type ClientOptions struct {
	Secrets   *secret.Manager
	Blobs     blob.Store
	Evaluator expression.Evaluator
	Transport http.RoundTripper
	Logger    logger.Logger
}

// Client executes one step configuration against a live endpoint: it owns the
// send loop with rate spacing, per-attempt request building, failure
// classification, backoff and terminal policy selection. A client may be
// reused across messages; the send-spacing guard and the cached secret are
// the only state that survives between calls.
type Client struct {
	cfg     *Config
	codes   ErrorCodeRange
	secrets *secret.Manager
	builder *Builder
	fetcher *remoteFetcher
	http    *http.Client
	log     logger.Logger

	sleep func(context.Context, time.Duration) error

	// limiter spaces physical sends; nil when no delay is configured.
	limiter *rate.Limiter
}

// NewClient validates the configuration and assembles a client. Invalid
// numeric knobs or a malformed error-code range fail here, before any I/O.
func NewClient(cfg *Config, opts ClientOptions) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codes, err := ParseErrorCodeRange(cfg.ErrorCodes)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("disabled", false)
	}
	eval := opts.Evaluator
	if eval == nil {
		eval = expression.NewGJSONEvaluator()
	}

	transport := opts.Transport
	if transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.NoStrictSSL {
			base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
		}
		transport = base
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout(),
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = MaxRedirectsLimit
	}
	if cfg.FollowRedirects() {
		httpClient.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	} else {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	fetcher := newRemoteFetcher(opts.Blobs, httpClient, DefaultRemoteBufferLimit, log)

	c := &Client{
		cfg:     cfg,
		codes:   codes,
		secrets: opts.Secrets,
		builder: NewBuilder(cfg, eval, fetcher, log),
		fetcher: fetcher,
		http:    httpClient,
		log:     log,
		sleep:   sleepContext,
	}
	if interval := c.sendInterval(); interval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return c, nil
}

// Execute runs the full send loop for one message and returns the raw
// response of the first successful attempt. Under the "emit" policy a
// qualifying failed response is returned as if it were success. A rebound
// outcome is reported as an error matching ErrRebound.
func (c *Client) Execute(ctx context.Context, msg *Message) (*RawResponse, error) {
	c.fetcher.reset()

	if err := c.ensureSecret(ctx); err != nil {
		return nil, err
	}

	treq, err := c.builder.Build(ctx, msg)
	if err != nil {
		return nil, err
	}

	maxRetries := c.cfg.EffectiveMaxRetries()
	authRefreshes := 0
	var lastFailure error
	var lastRetryAfter time.Duration

	for attempt := 1; ; {
		resp, sendErr := c.send(ctx, treq)
		if sendErr != nil {
			failure, retryable := c.classifyTransportFailure(sendErr)
			if !retryable {
				return nil, failure
			}
			outcome, terminal := c.applyPolicy(failure, nil)
			if terminal {
				return outcome.resp, outcome.err
			}
			lastFailure = failure
			lastRetryAfter = 0
		} else if resp.StatusCode < 400 {
			return resp, nil
		} else {
			if c.isAuthFailure(resp.StatusCode) && authRefreshes < maxAuthRefreshCycles {
				c.log.Info().Int("status", resp.StatusCode).Msg("Authentication failed, going to refresh the secret")
				if _, refreshErr := c.secrets.HandleAuthFailure(ctx); refreshErr != nil {
					return nil, NewCredentialError("failed to refresh credentials", refreshErr)
				}
				authRefreshes++
				continue
			}

			failure := NewHTTPStatusError(
				formatResponseError(resp.StatusCode, resp.StatusMessage, resp.Body), resp.StatusCode, resp.Body)
			if !isRetryEligible(resp.StatusCode, c.codes) {
				return nil, failure
			}
			outcome, terminal := c.applyPolicy(failure, resp)
			if terminal {
				return outcome.resp, outcome.err
			}
			lastFailure = failure
			lastRetryAfter = parseRetryAfter(resp.Headers.Get("Retry-After"), time.Now())
		}

		if attempt >= maxRetries {
			return nil, NewRetryExhaustedError(lastFailure)
		}
		c.logRetry(attempt, lastFailure)
		if err := c.sleep(ctx, c.backoffDelay(attempt, lastRetryAfter)); err != nil {
			return nil, err
		}
		attempt++
	}
}

type policyOutcome struct {
	resp *RawResponse
	err  error
}

// applyPolicy resolves a retry-eligible failure against the configured error
// policy. terminal=false means the default byComponent policy applies and the
// loop should back off and retry.
func (c *Client) applyPolicy(failure error, resp *RawResponse) (policyOutcome, bool) {
	switch c.cfg.ErrorPolicy {
	case PolicyThrowError:
		return policyOutcome{err: failure}, true
	case PolicyEmit:
		if resp != nil {
			return policyOutcome{resp: resp}, true
		}
		return policyOutcome{err: failure}, true
	case PolicyRebound:
		return policyOutcome{err: fmt.Errorf("%s: %w", failure.Error(), ErrRebound)}, true
	default:
		return policyOutcome{}, false
	}
}

func (c *Client) ensureSecret(ctx context.Context) error {
	if c.secrets == nil {
		return nil
	}
	if _, err := c.secrets.EnsureSecret(ctx); err != nil {
		if errors.Is(err, secret.ErrMissingSecretID) && c.cfg.SecretID == "" {
			// No credentials were configured at all; proceed unauthenticated.
			return nil
		}
		return NewCredentialError("failed to resolve credentials", err)
	}
	return nil
}

func (c *Client) isAuthFailure(status int) bool {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	if c.secrets == nil {
		return false
	}
	current := c.secrets.Current()
	return current != nil && current.Type == secret.TypeOAuth2
}

// waitSendSlot blocks until the limiter grants the next send. The slot is
// reserved at execution time, so every physical send is spaced at least one
// interval from the previous one, retry attempts included.
func (c *Client) waitSendSlot(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	reservation := c.limiter.Reserve()
	wait := reservation.Delay()
	if wait <= 0 {
		return nil
	}
	c.log.Debug().Dur("wait", wait).Msg("Delaying next request to respect the configured rate limit")
	if err := c.sleep(ctx, wait); err != nil {
		reservation.Cancel()
		return err
	}
	return nil
}

// sendInterval is the configured delay divided by the expected call count.
func (c *Client) sendInterval() time.Duration {
	if c.cfg.DelayMS <= 0 {
		return 0
	}
	calls := c.cfg.CallCount
	if calls <= 0 {
		calls = 1
	}
	return time.Duration(c.cfg.DelayMS/calls) * time.Millisecond
}

// send performs one attempt: materialize the body, apply credentials, run the
// transport and read the bounded response body.
func (c *Client) send(ctx context.Context, treq *TransportRequest) (*RawResponse, error) {
	if err := c.waitSendSlot(ctx); err != nil {
		return nil, err
	}

	req, err := c.buildHTTPRequest(ctx, treq)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c.logRequest(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := c.cfg.EffectiveMaxContentLength()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, NewTransportError(
			fmt.Sprintf("Response content length exceeded %d bytes limit", limit), "ERR_FR_MAX_CONTENT_LENGTH_EXCEEDED", nil)
	}

	raw := &RawResponse{
		StatusCode:    resp.StatusCode,
		StatusMessage: statusText(resp),
		Headers:       resp.Header,
		Body:          body,
		RequestURL:    resp.Request.URL.String(),
	}
	c.logResponse(raw, time.Since(start))
	return raw, nil
}

func (c *Client) buildHTTPRequest(ctx context.Context, treq *TransportRequest) (*http.Request, error) {
	body, length, contentType, err := c.materializeBody(ctx, treq)
	if err != nil {
		return nil, err
	}
	if c.cfg.MaxBodyLength > 0 && length > c.cfg.MaxBodyLength {
		if body != nil {
			body.Close()
		}
		return nil, NewTransportError(
			fmt.Sprintf("Request body larger than %d bytes limit", c.cfg.MaxBodyLength), "ERR_FR_MAX_BODY_LENGTH_EXCEEDED", nil)
	}

	req, err := http.NewRequestWithContext(ctx, string(treq.Method), treq.RequestURL(), body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, NewConfigError(fmt.Sprintf("failed to build request: %v", err), "reader.url")
	}
	if length >= 0 {
		req.ContentLength = length
	}

	headers := map[string]string{}
	if err := c.decorate(headers); err != nil {
		if body != nil {
			body.Close()
		}
		return nil, err
	}
	for key, value := range treq.Headers {
		headers[key] = value
	}
	if contentType != "" {
		if _, ok := headers["content-type"]; !ok {
			headers["content-type"] = contentType
		}
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	req.Header.Set(trace.HeaderXRequestID, trace.EnsureRequestID(ctx))
	return req, nil
}

// decorate applies the cached secret to the outgoing headers. Declared
// headers win over decoration on conflicting keys.
func (c *Client) decorate(headers map[string]string) error {
	if c.secrets == nil {
		return nil
	}
	current := c.secrets.Current()
	if current == nil {
		return nil
	}
	decorated := map[string]string{}
	if err := current.Decorate(decorated); err != nil {
		return NewCredentialError("failed to apply credentials", err)
	}
	for key, value := range decorated {
		headers[strings.ToLower(key)] = value
	}
	return nil
}

// materializeBody opens the body stream for one attempt. length is -1 when
// unknown; contentType is a fallback applied only when no header declares one.
func (c *Client) materializeBody(ctx context.Context, treq *TransportRequest) (io.ReadCloser, int64, string, error) {
	switch {
	case treq.Multipart != nil:
		stream, err := treq.Multipart.Encode(ctx)
		if err != nil {
			return nil, 0, "", NewTransportError(err.Error(), "", err)
		}
		return stream, treq.Multipart.KnownLength(), "", nil

	case treq.Stream != nil:
		if treq.Stream.Content != nil {
			return bufferedReadCloser(treq.Stream.Content), int64(len(treq.Stream.Content)), ContentTypeOctetStream, nil
		}
		stream, length, err := treq.Stream.Fetch(ctx)
		if err != nil {
			return nil, 0, "", NewTransportError(err.Error(), "", err)
		}
		return stream, length, ContentTypeOctetStream, nil

	case treq.Raw != nil:
		switch v := treq.Raw.(type) {
		case string:
			return io.NopCloser(strings.NewReader(v)), int64(len(v)), "", nil
		case []byte:
			return bufferedReadCloser(v), int64(len(v)), "", nil
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, 0, "", NewConfigError(fmt.Sprintf("failed to serialize request body: %v", err), "reader.body")
			}
			return bufferedReadCloser(encoded), int64(len(encoded)), "application/json", nil
		}

	default:
		return nil, 0, "", nil
	}
}

// classifyTransportFailure maps a transport error into the taxonomy and
// reports whether it qualifies for the retry policy. Timeouts and connection
// aborts are retry-eligible; everything else is terminal.
func (c *Client) classifyTransportFailure(err error) (error, bool) {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	if timeout {
		message := fmt.Sprintf("Timeout error! Waiting for response more than %d ms", c.cfg.Timeout().Milliseconds())
		return NewTransportError(formatTransportFailure(message, "ECONNABORTED"), "ECONNABORTED", err), true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		code := "ENOTFOUND"
		if dnsErr.IsTimeout {
			code = "EAI_AGAIN"
		}
		return NewTransportError(formatTransportFailure(dnsErr.Error(), code), code, err), dnsErr.IsTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewTransportError(formatTransportFailure(err.Error(), "ECONNREFUSED"), "ECONNREFUSED", err), false
	}
	return NewTransportError(formatTransportFailure(err.Error(), ""), "", err), false
}

// backoffDelay computes the wait before the next attempt: the retry-after
// interval the server named if any, else 2^attempt of the backoff base.
func (c *Client) backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > MaxDelay {
			return MaxDelay
		}
		return retryAfter
	}
	delay := backoffBase << attempt
	if delay > MaxDelay {
		return MaxDelay
	}
	return delay
}

func (c *Client) logRetry(attempt int, failure error) {
	c.log.Info().
		Int("attempt", attempt).
		Err(failure).
		Msg("Request failed, retrying")
}

func (c *Client) logRequest(req *http.Request) {
	c.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Executing request")
}

func (c *Client) logResponse(resp *RawResponse, elapsed time.Duration) {
	c.log.Debug().
		Int("status", resp.StatusCode).
		Int("body_length", len(resp.Body)).
		Dur("elapsed", elapsed).
		Msg("Received response")
}

func statusText(resp *http.Response) string {
	// "200 OK" -> "OK"
	if idx := strings.IndexByte(resp.Status, ' '); idx >= 0 {
		return resp.Status[idx+1:]
	}
	return http.StatusText(resp.StatusCode)
}

// parseRetryAfter reads a Retry-After header as delta seconds or HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
