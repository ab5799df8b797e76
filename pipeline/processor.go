package pipeline

import (
	"context"
	"errors"

	"github.com/pipeweave/restcall/blob"
	"github.com/pipeweave/restcall/httpcall"
	"github.com/pipeweave/restcall/logger"
)

// reboundEligibleCodes are the terminal statuses the enableRebound flag
// promotes from error to rebound. A DNS lookup timeout qualifies as well.
var reboundEligibleCodes = map[int]struct{}{
	408: {},
	423: {},
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

// Processor orchestrates one message through the engine: execute, decode,
// fan out the result and translate failures into lifecycle signals.
type Processor struct {
	cfg     *httpcall.Config
	client  *httpcall.Client
	decoder *httpcall.Decoder
	emitter Emitter
	log     logger.Logger
}

// NewProcessor wires a processor around an already constructed client and
// decoder sharing the same configuration.
func NewProcessor(cfg *httpcall.Config, client *httpcall.Client, decoder *httpcall.Decoder, emitter Emitter, log logger.Logger) *Processor {
	return &Processor{cfg: cfg, client: client, decoder: decoder, emitter: emitter, log: log}
}

// Process runs one message end to end. Exactly one of {data records, rebound,
// error} is signaled, always followed by end. The returned error reports
// emitter transport problems, not request failures; those are signaled.
func (p *Processor) Process(ctx context.Context, msg *httpcall.Message) error {
	defer func() {
		if err := p.emitter.End(ctx); err != nil {
			p.log.Error().Err(err).Msg("Failed to signal end of processing")
		}
	}()

	raw, err := p.client.Execute(ctx, msg)
	if err != nil {
		return p.surfaceFailure(ctx, err)
	}

	env, err := p.decoder.Decode(ctx, raw)
	if err != nil {
		return p.surfaceFailure(ctx, err)
	}

	for _, record := range p.assembleRecords(env) {
		if err := p.emitter.Data(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// assembleRecords fans a decoded envelope out into output records. With
// splitResult set and a sequence body, each element becomes its own record
// sharing the envelope's status, headers and attachments, in original order.
func (p *Processor) assembleRecords(env *httpcall.ResponseEnvelope) []*Record {
	attachments := attachmentMap(env)

	elements, isSequence := env.Body.([]any)
	if !p.cfg.SplitResult || !isSequence {
		return []*Record{{Body: env, Attachments: attachments}}
	}

	records := make([]*Record, 0, len(elements))
	for _, element := range elements {
		split := *env
		split.Body = element
		records = append(records, &Record{Body: &split, Attachments: attachments})
	}
	return records
}

func attachmentMap(env *httpcall.ResponseEnvelope) map[string]blob.Reference {
	if env.Attachments == nil {
		return nil
	}
	name := env.AttachmentName
	if name == "" {
		name = "attachment"
	}
	return map[string]blob.Reference{name: *env.Attachments}
}

// surfaceFailure translates a terminal failure into the right signal:
// rebound for the rebound sentinel and for rebound-eligible codes under
// enableRebound, an error-shaped data record under dontThrowErrorFlg for
// HTTP and transport classes, an error signal otherwise.
func (p *Processor) surfaceFailure(ctx context.Context, failure error) error {
	if errors.Is(failure, httpcall.ErrRebound) {
		p.log.Info().Err(failure).Msg("Rebounding message")
		return p.emitter.Rebound(ctx, failure.Error())
	}

	if p.cfg.EnableRebound && isReboundEligible(failure) {
		p.log.Info().Err(failure).Msg("Rebound is enabled, rebounding message instead of failing")
		return p.emitter.Rebound(ctx, failure.Error())
	}

	if p.cfg.DontThrowError && isSurfaceableAsData(failure) {
		record := &Record{Body: errorShapedBody(failure)}
		p.log.Info().Err(failure).Msg("Surfacing error as data record")
		return p.emitter.Data(ctx, record)
	}

	p.log.Error().Err(failure).Msg("Processing failed")
	return p.emitter.Error(ctx, failure)
}

// isSurfaceableAsData limits dontThrowErrorFlg to HTTP and transport
// classifications. Config, credential and decode errors always fail.
func isSurfaceableAsData(failure error) bool {
	return httpcall.IsErrorType(failure, httpcall.HTTPStatusError) ||
		httpcall.IsErrorType(failure, httpcall.TransportError) ||
		httpcall.IsErrorType(failure, httpcall.RetryExhausted)
}

func isReboundEligible(failure error) bool {
	if code := httpcall.StatusCodeOf(failure); code > 0 {
		_, ok := reboundEligibleCodes[code]
		return ok
	}
	return httpcall.TransportCodeOf(failure) == "EAI_AGAIN"
}

func errorShapedBody(failure error) map[string]any {
	body := map[string]any{
		"errorMessage": failure.Error(),
	}
	if code := httpcall.StatusCodeOf(failure); code > 0 {
		body["errorCode"] = code
	}
	return body
}
