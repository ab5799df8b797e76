package httpcall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/pipeweave/restcall/expression"
	"github.com/pipeweave/restcall/logger"
)

// MultipartBoundary is the fixed multipart boundary used for form-data bodies.
const MultipartBoundary = "__X_PIPEWEAVE_BOUNDARY__"

// FormPair is one evaluated urlencoded entry, order preserved from the
// configuration.
type FormPair struct {
	Key   string
	Value string
}

// MultipartPart is one form-data part. Content carries buffered bytes; Fetch
// is set instead when the part streams from a remote source on every attempt.
type MultipartPart struct {
	Key         string
	Filename    string
	ContentType string
	Content     []byte
	Fetch       func(context.Context) (io.ReadCloser, int64, error)
	Length      int64
}

// MultipartBody is a form-data request body with a fixed boundary.
type MultipartBody struct {
	Boundary string
	Parts    []MultipartPart
}

// StreamBody is a raw octet-stream upload body.
type StreamBody struct {
	Content []byte
	Fetch   func(context.Context) (io.ReadCloser, int64, error)
	Length  int64
}

// TransportRequest is the fully evaluated request handed to the retry
// controller. Exactly one of Raw, Multipart and Stream is set when a body is
// present.
type TransportRequest struct {
	Method  Method
	URL     string
	Headers map[string]string
	Params  []FormPair

	Raw       any
	Multipart *MultipartBody
	Stream    *StreamBody
}

// HasBody reports whether any body encoding was produced.
func (r *TransportRequest) HasBody() bool {
	return r.Raw != nil || r.Multipart != nil || r.Stream != nil
}

// RequestURL returns the target URL with the encoded parameter set appended.
// Parameters keep their configured order and are appended after any query the
// evaluated URL already carries.
func (r *TransportRequest) RequestURL() string {
	if len(r.Params) == 0 {
		return r.URL
	}
	var sb strings.Builder
	sb.WriteString(r.URL)
	sep := "?"
	if strings.Contains(r.URL, "?") {
		sep = "&"
	}
	for _, pair := range r.Params {
		sb.WriteString(sep)
		sb.WriteString(url.QueryEscape(pair.Key))
		sb.WriteString("=")
		sb.WriteString(url.QueryEscape(pair.Value))
		sep = "&"
	}
	return sb.String()
}

// KnownLength returns the exact encoded body length when every part's length
// is known, or -1 when any streaming part has an unreported length.
func (m *MultipartBody) KnownLength() int64 {
	var total int64
	for i := range m.Parts {
		part := &m.Parts[i]
		length := part.Length
		if part.Content != nil {
			length = int64(len(part.Content))
		}
		if length < 0 {
			return -1
		}
		total += int64(len(partHeader(m.Boundary, part))) + length + 2 // trailing CRLF
	}
	total += int64(len(m.Boundary)) + 6 // closing --boundary--\r\n
	return total
}

// Encode opens the multipart body as a single stream. Streaming parts are
// fetched lazily as the reader advances.
func (m *MultipartBody) Encode(ctx context.Context) (io.ReadCloser, error) {
	readers := make([]io.Reader, 0, len(m.Parts)*3+1)
	var closers []io.Closer
	for i := range m.Parts {
		part := &m.Parts[i]
		readers = append(readers, strings.NewReader(partHeader(m.Boundary, part)))
		if part.Content != nil {
			readers = append(readers, strings.NewReader(string(part.Content)))
		} else {
			stream, _, err := part.Fetch(ctx)
			if err != nil {
				for _, c := range closers {
					c.Close()
				}
				return nil, err
			}
			readers = append(readers, stream)
			closers = append(closers, stream)
		}
		readers = append(readers, strings.NewReader("\r\n"))
	}
	readers = append(readers, strings.NewReader("--"+m.Boundary+"--\r\n"))
	return &multiReadCloser{reader: io.MultiReader(readers...), closers: closers}, nil
}

func partHeader(boundary string, part *MultipartPart) string {
	var sb strings.Builder
	sb.WriteString("--")
	sb.WriteString(boundary)
	sb.WriteString("\r\nContent-Disposition: form-data; name=\"")
	sb.WriteString(escapeQuotes(part.Key))
	sb.WriteString("\"")
	if part.Filename != "" {
		sb.WriteString("; filename=\"")
		sb.WriteString(escapeQuotes(part.Filename))
		sb.WriteString("\"")
	}
	sb.WriteString("\r\n")
	if part.ContentType != "" {
		sb.WriteString("Content-Type: ")
		sb.WriteString(part.ContentType)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	return sb.String()
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

type multiReadCloser struct {
	reader  io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Read(p []byte) (int, error) {
	return m.reader.Read(p)
}

func (m *multiReadCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Builder evaluates the declarative request configuration against a message
// and produces a transport request. Building is deterministic given the same
// configuration and message.
type Builder struct {
	cfg     *Config
	eval    expression.Evaluator
	fetcher *remoteFetcher
	log     logger.Logger
}

// NewBuilder creates a builder for one step configuration.
func NewBuilder(cfg *Config, eval expression.Evaluator, fetcher *remoteFetcher, log logger.Logger) *Builder {
	return &Builder{cfg: cfg, eval: eval, fetcher: fetcher, log: log}
}

// Build evaluates the URL, headers and body against the message. GET requests
// and configurations without a body section never produce a body.
func (b *Builder) Build(ctx context.Context, msg *Message) (*TransportRequest, error) {
	reader := &b.cfg.Reader
	switch reader.Method {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
	default:
		return nil, NewConfigError(fmt.Sprintf("unsupported method %q", reader.Method), "reader.method")
	}

	target, err := b.evaluateURL(reader.URL, msg)
	if err != nil {
		return nil, err
	}

	req := &TransportRequest{
		Method:  reader.Method,
		URL:     target,
		Headers: map[string]string{},
	}

	if err := b.evaluateHeaders(reader.Headers, msg, req.Headers); err != nil {
		return nil, err
	}

	if reader.Method == MethodGet || reader.Body == nil {
		return req, nil
	}
	if err := b.buildBody(ctx, reader.Body, msg, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (b *Builder) evaluateURL(expr string, msg *Message) (string, error) {
	value, err := b.eval.Evaluate(expr, msg.Body)
	if err != nil {
		return "", NewConfigError(fmt.Sprintf("failed to evaluate URL expression: %v", err), "reader.url")
	}
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", NewConfigError("URL expression evaluated to an empty string", "reader.url")
		}
		return v, nil
	case nil:
		return "", NewConfigError("URL expression evaluated to nothing", "reader.url")
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v), nil
	default:
		return "", NewConfigError("URL expression must produce a string", "reader.url")
	}
}

// evaluateHeaders fills dst with evaluated header values. Keys are lowercased
// and the last declaration of a repeated key wins; entries with an empty key
// or an empty evaluated value are skipped.
func (b *Builder) evaluateHeaders(headers []HeaderConfig, msg *Message, dst map[string]string) error {
	for _, h := range headers {
		if h.Key == "" {
			continue
		}
		value, err := b.eval.Evaluate(h.Value, msg.Body)
		if err != nil {
			return NewConfigError(fmt.Sprintf("failed to evaluate header %q: %v", h.Key, err), "reader.headers")
		}
		text := stringifyValue(value)
		if text == "" {
			continue
		}
		dst[strings.ToLower(h.Key)] = text
	}
	return nil
}

func (b *Builder) buildBody(ctx context.Context, body *BodyConfig, msg *Message, req *TransportRequest) error {
	contentType := strings.ToLower(body.ContentType)
	switch {
	case strings.Contains(contentType, "x-www-form-urlencoded"):
		return b.buildURLEncoded(body, msg, req)
	case strings.Contains(contentType, "multipart/form-data"):
		return b.buildMultipart(ctx, body, msg, req)
	case strings.Contains(contentType, "octet-stream") && b.cfg.UploadFile:
		return b.buildStream(ctx, body, msg, req)
	default:
		return b.buildRaw(body, msg, req)
	}
}

// buildURLEncoded evaluates the declared pairs into the ordered encoded
// parameter set of the request.
func (b *Builder) buildURLEncoded(body *BodyConfig, msg *Message, req *TransportRequest) error {
	for _, pair := range body.URLEncoded {
		if pair.Key == "" {
			continue
		}
		value, err := b.eval.Evaluate(pair.Value, msg.Body)
		if err != nil {
			return NewConfigError(fmt.Sprintf("failed to evaluate urlencoded entry %q: %v", pair.Key, err), "reader.body")
		}
		req.Params = append(req.Params, FormPair{Key: pair.Key, Value: stringifyValue(value)})
	}
	return nil
}

// buildMultipart assembles form-data parts: the declared pairs first, then the
// message attachments appended in key order. When uploadFile is set and an
// evaluated value carries a url field, the part content is fetched from it.
func (b *Builder) buildMultipart(ctx context.Context, body *BodyConfig, msg *Message, req *TransportRequest) error {
	mp := &MultipartBody{Boundary: MultipartBoundary}

	for _, pair := range body.FormData {
		if pair.Key == "" {
			continue
		}
		value, err := b.eval.Evaluate(pair.Value, msg.Body)
		if err != nil {
			return NewConfigError(fmt.Sprintf("failed to evaluate form-data entry %q: %v", pair.Key, err), "reader.body")
		}

		if remoteURL, filename, knownLength, ok := remoteFileValue(value, b.cfg.UploadFile); ok {
			part, err := b.remotePart(ctx, pair.Key, filename, "", remoteURL, knownLength)
			if err != nil {
				return err
			}
			mp.Parts = append(mp.Parts, *part)
			continue
		}

		mp.Parts = append(mp.Parts, MultipartPart{
			Key:     pair.Key,
			Content: []byte(stringifyValue(value)),
		})
	}

	keys := make([]string, 0, len(msg.Attachments))
	for key := range msg.Attachments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		ref := msg.Attachments[key]
		part, err := b.remotePart(ctx, key, key, ref.ContentType, ref.URL, 0)
		if err != nil {
			return err
		}
		mp.Parts = append(mp.Parts, *part)
	}

	req.Multipart = mp
	req.Headers["content-type"] = fmt.Sprintf("multipart/form-data; charset=utf8; boundary=%s", mp.Boundary)
	return nil
}

// buildStream evaluates the raw expression into a source URL and streams its
// content as the request body.
func (b *Builder) buildStream(ctx context.Context, body *BodyConfig, msg *Message, req *TransportRequest) error {
	value, err := b.eval.Evaluate(body.Raw, msg.Body)
	if err != nil {
		return NewConfigError(fmt.Sprintf("failed to evaluate body expression: %v", err), "reader.body")
	}
	source, ok := value.(string)
	if !ok || source == "" {
		return NewConfigError("octet-stream upload requires the body to evaluate to a source URL", "reader.body")
	}

	content, fetch, length, err := b.fetcher.fetchPart(ctx, source)
	if err != nil {
		return NewTransportError(err.Error(), "", err)
	}
	req.Stream = &StreamBody{Content: content, Fetch: fetch, Length: length}
	if _, ok := req.Headers["content-type"]; !ok {
		req.Headers["content-type"] = ContentTypeOctetStream
	}
	return nil
}

func (b *Builder) buildRaw(body *BodyConfig, msg *Message, req *TransportRequest) error {
	if body.Raw == "" {
		return nil
	}
	value, err := b.eval.Evaluate(body.Raw, msg.Body)
	if err != nil {
		return NewConfigError(fmt.Sprintf("failed to evaluate body expression: %v", err), "reader.body")
	}
	if value == nil {
		return nil
	}
	req.Raw = value
	if body.ContentType != "" {
		if _, ok := req.Headers["content-type"]; !ok {
			req.Headers["content-type"] = body.ContentType
		}
	}
	return nil
}

func (b *Builder) remotePart(ctx context.Context, key, filename, contentType, sourceURL string, knownLength int64) (*MultipartPart, error) {
	content, fetch, length, err := b.fetcher.fetchPart(ctx, sourceURL)
	if err != nil {
		return nil, NewTransportError(err.Error(), "", err)
	}
	// A declared length takes precedence over whatever the source reported,
	// which matters when a streaming source reports none at all.
	if knownLength > 0 {
		length = knownLength
	}
	if filename == "" {
		filename = key
	}
	return &MultipartPart{
		Key:         key,
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
		Fetch:       fetch,
		Length:      length,
	}, nil
}

// remoteFileValue recognizes an evaluated form-data value describing a remote
// file upload: a map carrying a url field plus optional filename and
// knownLength fields, honored only when uploadFile is on.
func remoteFileValue(value any, uploadFile bool) (remoteURL, filename string, knownLength int64, ok bool) {
	if !uploadFile {
		return "", "", 0, false
	}
	m, isMap := value.(map[string]any)
	if !isMap {
		return "", "", 0, false
	}
	rawURL, hasURL := m["url"].(string)
	if !hasURL || rawURL == "" {
		return "", "", 0, false
	}
	name, _ := m["filename"].(string)
	if length, isNum := m["knownLength"].(float64); isNum && length > 0 {
		knownLength = int64(length)
	}
	return rawURL, name, knownLength, true
}

// stringifyValue renders an evaluated expression result as text: strings pass
// through, scalars format naturally, structured values serialize as JSON.
func stringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case bool, int, int64:
		return fmt.Sprintf("%v", v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
