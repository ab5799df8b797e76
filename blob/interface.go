// Package blob provides access to the external object store the engine
// offloads binary payloads to. References are write-once: content is uploaded
// through a signed target and read back by URL.
package blob

import (
	"context"
	"io"
)

// UploadTarget is a signed URL pair issued by the store: one URL for writing
// new content, one for reading it back.
type UploadTarget struct {
	PutURL string `json:"put_url"`
	GetURL string `json:"get_url"`
}

// Reference points at stored content and is substituted for raw bytes in
// engine outputs.
type Reference struct {
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content-type"`
	SourceURL   string `json:"sourceUrl,omitempty"`
}

// Store is the object-store contract the engine consumes.
type Store interface {
	// CreateUploadTarget issues a fresh signed URL pair.
	CreateUploadTarget(ctx context.Context) (*UploadTarget, error)

	// Upload writes content to a fresh target and returns its reference.
	// size may be -1 when unknown; contentType may be empty.
	Upload(ctx context.Context, content io.Reader, size int64, contentType string) (*Reference, error)

	// Resolve opens a stored reference for reading. The returned length is -1
	// when the store does not report one.
	Resolve(ctx context.Context, url string) (io.ReadCloser, int64, error)

	// IsReference reports whether the URL belongs to this store's reference
	// scheme (as opposed to an arbitrary remote URL).
	IsReference(url string) bool
}
