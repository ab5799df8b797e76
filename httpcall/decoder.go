package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/pipeweave/restcall/blob"
	"github.com/pipeweave/restcall/logger"
)

// binaryContentMarkers are content-type fragments that classify a response
// body as binary: such bodies are offloaded to the blob store instead of
// being decoded.
var binaryContentMarkers = []string{
	"image",
	"msword",
	"msexcel",
	"pdf",
	"csv",
	"octet-stream",
	"binary",
}

// Decoder classifies a raw response by status and content type and produces
// the normalized output envelope, offloading binary bodies to the blob store.
type Decoder struct {
	cfg   *Config
	blobs blob.Store
	log   logger.Logger
}

// NewDecoder creates a decoder for one step configuration. blobs may be nil
// when no attachment handling is configured.
func NewDecoder(cfg *Config, blobs blob.Store, log logger.Logger) *Decoder {
	return &Decoder{cfg: cfg, blobs: blobs, log: log}
}

// Decode applies the status gate and the content-type cascade. Decode errors
// are always fatal: by the time decoding runs the retry loop has already
// committed to this response.
func (d *Decoder) Decode(ctx context.Context, raw *RawResponse) (*ResponseEnvelope, error) {
	switch {
	case raw.StatusCode >= 200 && raw.StatusCode < 300:
		return d.decodeSuccess(ctx, raw)

	case raw.StatusCode >= 300 && raw.StatusCode < 400:
		if !d.cfg.FollowRedirects() {
			// Redirects were disabled on purpose; the 3xx is the result.
			return d.envelopeWithBody(raw), nil
		}
		message := formatResponseError(raw.StatusCode, raw.StatusMessage, raw.Body)
		if d.tolerateFailures() {
			return &ResponseEnvelope{
				StatusCode:    raw.StatusCode,
				StatusMessage: message,
				Headers:       raw.Headers,
			}, nil
		}
		return nil, NewHTTPStatusError(message, raw.StatusCode, raw.Body)

	default:
		if d.tolerateFailures() {
			env := d.envelopeWithBody(raw)
			env.StatusMessage = "HTTP error."
			return env, nil
		}
		message := formatResponseError(raw.StatusCode, raw.StatusMessage, raw.Body)
		return nil, NewHTTPStatusError(message, raw.StatusCode, raw.Body)
	}
}

// tolerateFailures reports whether failed statuses should yield an envelope
// instead of an error. The emit policy hands failed responses through the
// decoder, so it implies tolerance.
func (d *Decoder) tolerateFailures() bool {
	return d.cfg.DontThrowError || d.cfg.ErrorPolicy == PolicyEmit
}

func (d *Decoder) decodeSuccess(ctx context.Context, raw *RawResponse) (*ResponseEnvelope, error) {
	contentType := strings.ToLower(raw.Headers.Get("Content-Type"))

	if d.cfg.DownloadAsAttachment && len(raw.Body) > 0 {
		return d.offload(ctx, raw, contentType, true)
	}

	env := &ResponseEnvelope{
		StatusCode:    raw.StatusCode,
		StatusMessage: raw.StatusMessage,
		Headers:       raw.Headers,
	}
	if len(raw.Body) == 0 {
		return env, nil
	}

	switch {
	case contentType == "":
		env.Body = bestEffortJSON(d.transcode(raw.Body))

	case strings.Contains(contentType, "json"):
		text := d.transcode(raw.Body)
		var value any
		if err := json.Unmarshal(text, &value); err != nil {
			return nil, NewDecodeError(
				fmt.Sprintf("response declared %q but the body is not valid JSON", contentType), err)
		}
		env.Body = value

	case strings.Contains(contentType, "xml"):
		value, err := xmlToMap(raw.Body)
		if err != nil {
			return nil, NewDecodeError(
				fmt.Sprintf("response declared %q but the body is not valid XML", contentType), err)
		}
		env.Body = value

	case isBinaryContentType(contentType):
		return d.offload(ctx, raw, contentType, false)

	default:
		env.Body = string(d.transcode(raw.Body))
	}
	return env, nil
}

// offload stores the body in the blob store and returns an envelope carrying
// the attachment reference instead of the bytes. withBodyPointer additionally
// surfaces the stored URL in the body, for explicit download-as-attachment
// requests.
func (d *Decoder) offload(ctx context.Context, raw *RawResponse, contentType string, withBodyPointer bool) (*ResponseEnvelope, error) {
	if d.blobs == nil {
		return nil, NewDecodeError("binary response received but no attachment storage is configured", nil)
	}

	name := fmt.Sprintf("%s_%d", uuid.NewString(), time.Now().UnixMilli())
	ref, err := d.blobs.Upload(ctx, bytes.NewReader(raw.Body), int64(len(raw.Body)), contentType)
	if err != nil {
		return nil, NewDecodeError("failed to store response attachment", err)
	}
	ref.SourceURL = raw.RequestURL

	d.log.Info().
		Str("attachment", name).
		Int64("size", ref.Size).
		Msg("Response body stored as attachment")

	env := &ResponseEnvelope{
		StatusCode:     raw.StatusCode,
		StatusMessage:  raw.StatusMessage,
		Headers:        raw.Headers,
		Attachments:    ref,
		AttachmentName: name,
	}
	if withBodyPointer {
		env.Body = map[string]any{"attachmentUrl": ref.URL}
	}
	return env, nil
}

// envelopeWithBody builds an envelope with the body decoded best-effort, for
// the tolerant branches of the status gate.
func (d *Decoder) envelopeWithBody(raw *RawResponse) *ResponseEnvelope {
	env := &ResponseEnvelope{
		StatusCode:    raw.StatusCode,
		StatusMessage: raw.StatusMessage,
		Headers:       raw.Headers,
	}
	if len(raw.Body) > 0 {
		env.Body = bestEffortJSON(d.transcode(raw.Body))
	}
	return env
}

// transcode converts the body from the configured response encoding to UTF-8.
// Unknown encodings pass through untouched.
func (d *Decoder) transcode(body []byte) []byte {
	switch strings.ToLower(d.cfg.ResponseEncoding) {
	case "utf16le", "utf-16le":
		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(body)
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to transcode response body, using raw bytes")
			return body
		}
		return decoded
	default:
		return body
	}
}

// bestEffortJSON decodes the bytes as JSON when they parse, else returns the
// text as-is.
func bestEffortJSON(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 {
		var value any
		if err := json.Unmarshal(trimmed, &value); err == nil {
			return value
		}
	}
	return string(body)
}

func isBinaryContentType(contentType string) bool {
	for _, marker := range binaryContentMarkers {
		if strings.Contains(contentType, marker) {
			return true
		}
	}
	return false
}
