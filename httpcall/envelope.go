package httpcall

import (
	"net/http"

	"github.com/pipeweave/restcall/blob"
)

// Message is the pipeline message an invocation processes. Expressions are
// evaluated against Body; Attachments are the message's stored binary parts.
type Message struct {
	ID          string
	Body        map[string]any
	Attachments map[string]blob.Reference
}

// NewMessage creates an empty message with the given id.
func NewMessage(id string) *Message {
	return &Message{ID: id, Body: map[string]any{}}
}

// RawResponse is the transport-level response the retry controller hands to
// the decoder: status, headers and the fully read body. RequestURL is the
// final URL the transport hit, kept for attachment provenance.
type RawResponse struct {
	StatusCode    int
	StatusMessage string
	Headers       http.Header
	Body          []byte
	RequestURL    string
}

// ResponseEnvelope is the normalized output of a decoded response. Body and
// Attachments are mutually exclusive: offloaded binary responses carry an
// attachment reference and no body.
type ResponseEnvelope struct {
	StatusCode    int             `json:"statusCode"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	Headers       http.Header     `json:"headers,omitempty"`
	Body          any             `json:"body,omitempty"`
	Attachments   *blob.Reference `json:"attachments,omitempty"`

	// AttachmentName is the generated name an offloaded body is stored
	// under; empty when no offload happened.
	AttachmentName string `json:"-"`
}
