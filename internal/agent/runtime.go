// Package agent is the Agent Runtime: the sole path by which any other
// component asks the configured LLM provider a question and gets back a
// schema-validated, tagged structured response.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/config"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/xeipuuv/gojsonschema"
)

// PromptSpec names one call to the Agent Runtime: a system/user prompt pair
// and which of the four tagged response shapes the caller expects back.
type PromptSpec struct {
	System       string
	User         string
	ResponseType ResponseType
}

// Runtime serializes every call against a single underlying model, so two
// components never race on the same session's conversational context.
type Runtime struct {
	mu            sync.Mutex
	model         llms.Model
	schemaRetries int
	timeout       time.Duration
	metrics       *metrics.Collector
	logger        *slog.Logger
}

// NewRuntime constructs the Agent Runtime from configuration.
func NewRuntime(ctx context.Context, cfg config.Config, collector *metrics.Collector, logger *slog.Logger) (*Runtime, error) {
	model, err := newModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		model:         model,
		schemaRetries: cfg.LLMSchemaRetries,
		timeout:       cfg.LLMTimeout,
		metrics:       collector,
		logger:        logger,
	}, nil
}

// NewRuntimeWithModel builds a Runtime around an already-constructed
// llms.Model, bypassing provider selection. Used to wire a fake model in
// tests for packages that depend on the Agent Runtime.
func NewRuntimeWithModel(model llms.Model, schemaRetries int, timeout time.Duration, collector *metrics.Collector, logger *slog.Logger) *Runtime {
	return &Runtime{
		model:         model,
		schemaRetries: schemaRetries,
		timeout:       timeout,
		metrics:       collector,
		logger:        logger,
	}
}

// Ask issues spec to the underlying model, validating the reply against the
// schema for spec.ResponseType and retrying up to LLM_SCHEMA_RETRIES times on
// a validation failure, each retry with a schema reminder appended to the
// user prompt. Generation failures (timeouts, transport errors)
// are not retried here — callers that want that resilience wrap Ask with
// their own backoff, since the right retry policy differs by caller (a
// conversation turn backs off differently than a background fact-check).
func (r *Runtime) Ask(ctx context.Context, spec PromptSpec) (StructuredResponse, error) {
	schema, ok := schemaFor(spec.ResponseType)
	if !ok {
		return StructuredResponse{}, apperr.New(apperr.KindConfiguration, "unknown response type %q", spec.ResponseType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= r.schemaRetries; attempt++ {
		attemptSpec := spec
		if attempt > 0 {
			attemptSpec.User += "\n\nYour previous reply did not match the required JSON schema. " +
				"Reply with only a JSON object that conforms to it."
		}
		start := time.Now()
		raw, usageIn, usageOut, err := r.generate(ctx, attemptSpec)
		elapsed := time.Since(start)
		if err != nil {
			return StructuredResponse{}, apperr.Wrap(apperr.KindTransientExternal, err)
		}
		if r.metrics != nil {
			r.metrics.RecordLLMUsage(elapsed, usageIn, usageOut)
		}

		result, verr := gojsonschema.Validate(
			gojsonschema.NewStringLoader(schema),
			gojsonschema.NewStringLoader(raw),
		)
		if verr != nil {
			lastErr = apperr.Wrap(apperr.KindProtocol, fmt.Errorf("validate schema: %w", verr))
			continue
		}
		if !result.Valid() {
			lastErr = apperr.New(apperr.KindProtocol, "response failed schema validation: %v", result.Errors())
			if r.logger != nil {
				r.logger.Warn("llm response failed schema validation",
					"response_type", spec.ResponseType, "attempt", attempt, "errors", result.Errors())
			}
			continue
		}

		resp, derr := decodeInto(spec.ResponseType, []byte(raw))
		if derr != nil {
			lastErr = apperr.Wrap(apperr.KindProtocol, fmt.Errorf("decode response: %w", derr))
			continue
		}
		return resp, nil
	}
	return StructuredResponse{}, lastErr
}

// generate issues one model call within the configured LLM timeout and
// returns the raw JSON text plus token usage, when the provider reports it.
func (r *Runtime) generate(ctx context.Context, spec PromptSpec) (string, int64, int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, spec.System),
		llms.TextParts(llms.ChatMessageTypeHuman, spec.User),
	}

	resp, err := r.model.GenerateContent(callCtx, messages)
	if err != nil {
		return "", 0, 0, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no response choices")
	}

	choice := resp.Choices[0]
	var in, out int64
	if choice.GenerationInfo != nil {
		in = toInt64(choice.GenerationInfo["PromptTokens"])
		out = toInt64(choice.GenerationInfo["CompletionTokens"])
		if in == 0 {
			in = toInt64(choice.GenerationInfo["InputTokens"])
		}
		if out == 0 {
			out = toInt64(choice.GenerationInfo["OutputTokens"])
		}
	}
	return choice.Content, in, out, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
