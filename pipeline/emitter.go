// Package pipeline surfaces the results of a request execution to the host
// message pipeline: it fans out decoded responses into output records and
// translates terminal failures into the pipeline's lifecycle signals.
package pipeline

import (
	"context"

	"github.com/pipeweave/restcall/blob"
)

// Record is one output message handed to the host pipeline. Body is usually
// the normalized response envelope; under dontThrowErrorFlg it may instead be
// an error-shaped value. Attachments maps stored attachment names to their
// references.
type Record struct {
	Body        any                       `json:"body"`
	Attachments map[string]blob.Reference `json:"attachments,omitempty"`
}

// Emitter receives the lifecycle signals of one invocation. Exactly one of
// {one-or-more Data, one Rebound, one Error} is signaled per invocation,
// always followed by End.
type Emitter interface {
	Data(ctx context.Context, record *Record) error
	Rebound(ctx context.Context, reason string) error
	Error(ctx context.Context, err error) error
	End(ctx context.Context) error
}
