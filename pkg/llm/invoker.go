package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/flowllm/pkg/errors"
	"github.com/jllopis/flowllm/pkg/resilience"
	"github.com/jllopis/flowllm/pkg/telemetry"
)

// Request defaults applied by Invoker.Generate.
const (
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// Request is the provider-neutral request handed to a CallFunc.
type Request struct {
	Prompt         string         `json:"prompt"`
	System         string         `json:"system,omitempty"`
	Model          string         `json:"model,omitempty"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    float64        `json:"temperature"`
	Stop           []string       `json:"stop,omitempty"`
	ResponseFormat ResponseFormat `json:"response_format,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Response is what a CallFunc returns. Providers fill Text or Content.
type Response struct {
	Text         string `json:"text,omitempty"`
	Content      string `json:"content,omitempty"`
	Model        string `json:"model,omitempty"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Output returns Text, falling back to Content.
func (r *Response) Output() string {
	if r == nil {
		return ""
	}
	if r.Text != "" {
		return r.Text
	}
	return r.Content
}

// CallFunc is the injected provider call. It must return an error on transport or
// auth failure rather than an error-shaped response.
type CallFunc func(ctx context.Context, req Request) (*Response, error)

// ProviderCall adapts a chat Provider to a CallFunc. model is used when the request names none.
func ProviderCall(p Provider, model string) CallFunc {
	return func(ctx context.Context, req Request) (*Response, error) {
		messages := make([]Message, 0, 2)
		if req.System != "" {
			messages = append(messages, Message{Role: RoleSystem, Content: req.System})
		}
		messages = append(messages, Message{Role: RoleUser, Content: req.Prompt})

		m := req.Model
		if m == "" {
			m = model
		}
		resp, err := p.Chat(ctx, ChatRequest{
			Model:          m,
			Messages:       messages,
			Temperature:    req.Temperature,
			MaxTokens:      req.MaxTokens,
			Stop:           req.Stop,
			ResponseFormat: req.ResponseFormat,
			Extra:          req.Extra,
		})
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, fmt.Errorf("provider returned no response")
		}
		if resp.Model != "" {
			m = resp.Model
		}
		return &Response{
			Content:      resp.Content,
			Model:        m,
			Usage:        resp.Usage,
			FinishReason: resp.FinishReason,
		}, nil
	}
}

// Options are per-call overrides. Zero values keep the defaults; Temperature is a
// pointer so an explicit 0 is expressible.
type Options struct {
	MaxTokens      int
	Temperature    *float64
	Stop           []string
	Model          string
	System         string
	ResponseFormat ResponseFormat
	Extra          map[string]any
}

// Float64 returns a pointer to v, for Options.Temperature.
func Float64(v float64) *float64 { return &v }

// RequestHook observes a request right before the provider is called.
type RequestHook func(ctx context.Context, req Request)

// ResponseHook observes the outcome of a provider call.
type ResponseHook func(ctx context.Context, req Request, resp *Response, err error, elapsed time.Duration)

// Invoker adapts a CallFunc to a uniform Generate contract.
type Invoker struct {
	call          CallFunc
	provider      string
	model         string
	defaults      Options
	timeout       time.Duration
	requestHooks  []RequestHook
	responseHooks []ResponseHook
	metrics       *telemetry.PipelineMetrics
	logger        *slog.Logger
	tracer        trace.Tracer
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithProviderName sets the provider name reported in errors and telemetry.
func WithProviderName(name string) InvokerOption {
	return func(i *Invoker) { i.provider = name }
}

// WithModel sets the model reported in errors and sent when the request names none.
func WithModel(model string) InvokerOption {
	return func(i *Invoker) { i.model = model }
}

// WithDefaults sets request defaults that sit between the built-in defaults and per-call options.
func WithDefaults(opts Options) InvokerOption {
	return func(i *Invoker) { i.defaults = opts }
}

// WithTimeout bounds each provider call. Zero means unbounded.
func WithTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.timeout = d }
}

// WithRequestHook registers an audit hook run before each call.
func WithRequestHook(h RequestHook) InvokerOption {
	return func(i *Invoker) {
		if h != nil {
			i.requestHooks = append(i.requestHooks, h)
		}
	}
}

// WithResponseHook registers an audit hook run after each call.
func WithResponseHook(h ResponseHook) InvokerOption {
	return func(i *Invoker) {
		if h != nil {
			i.responseHooks = append(i.responseHooks, h)
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.PipelineMetrics) InvokerOption {
	return func(i *Invoker) { i.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInvoker creates an Invoker around call.
func NewInvoker(call CallFunc, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		call:     call,
		provider: "custom",
		logger:   slog.Default(),
		tracer:   otel.Tracer("flowllm/llm"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewProviderInvoker creates an Invoker around a chat Provider.
func NewProviderInvoker(p Provider, model string, opts ...InvokerOption) *Invoker {
	name := "custom"
	if n, ok := p.(Named); ok {
		name = n.Name()
	}
	base := []InvokerOption{WithProviderName(name), WithModel(model)}
	return NewInvoker(ProviderCall(p, model), append(base, opts...)...)
}

// Provider returns the provider name.
func (i *Invoker) Provider() string { return i.provider }

// Model returns the configured model.
func (i *Invoker) Model() string { return i.model }

// BuildRequest merges the built-in defaults, the invoker defaults and opts, in that order.
func (i *Invoker) BuildRequest(prompt string, opts Options) Request {
	req := Request{
		Prompt:      prompt,
		Model:       i.model,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
	for _, o := range []Options{i.defaults, opts} {
		if o.MaxTokens > 0 {
			req.MaxTokens = o.MaxTokens
		}
		if o.Temperature != nil {
			req.Temperature = *o.Temperature
		}
		if o.Stop != nil {
			req.Stop = append([]string(nil), o.Stop...)
		}
		if o.Model != "" {
			req.Model = o.Model
		}
		if o.System != "" {
			req.System = o.System
		}
		if o.ResponseFormat != "" {
			req.ResponseFormat = o.ResponseFormat
		}
		if len(o.Extra) > 0 {
			if req.Extra == nil {
				req.Extra = make(map[string]any, len(o.Extra))
			}
			for k, v := range o.Extra {
				req.Extra[k] = v
			}
		}
	}
	return req
}

// Generate sends prompt to the provider once. There is no retry at this layer; every
// provider failure is terminal for the call and returned wrapped with provider, model
// and elapsed time.
func (i *Invoker) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "prompt must be a non-empty string", nil)
	}
	if i.call == nil {
		return nil, errors.New(errors.CodeMissingConfig, "no LLM provider configured", nil)
	}

	req := i.BuildRequest(prompt, opts)
	ctx, span := i.tracer.Start(ctx, "LLM.Generate",
		trace.WithAttributes(telemetry.LLMAttributes(req.Model, i.provider, req.MaxTokens, req.Temperature)...),
	)
	defer span.End()

	for _, h := range i.requestHooks {
		h(ctx, req)
	}

	start := time.Now()
	resp, err := resilience.WithTimeoutResult(ctx, resilience.TimeoutConfig{
		Duration:  i.timeout,
		Operation: "llm.generate",
	}, func(ctx context.Context) (*Response, error) {
		return i.call(ctx, req)
	})
	if err == nil && resp == nil {
		err = fmt.Errorf("provider returned no response")
	}
	elapsed := time.Since(start)
	elapsedMs := float64(elapsed.Microseconds()) / 1000

	for _, h := range i.responseHooks {
		h(ctx, req, resp, err, elapsed)
	}

	if err != nil {
		wrapped := i.wrapError(err, req, elapsed)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Message)
		i.metrics.RecordLLMCall(ctx, i.provider, req.Model, elapsedMs, 0, 0, wrapped)
		i.metrics.RecordError(ctx, wrapped, "llm")
		return nil, wrapped
	}

	span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, elapsedMs, resp.FinishReason)...)
	i.metrics.RecordLLMCall(ctx, i.provider, req.Model, elapsedMs, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)
	i.logger.DebugContext(ctx, "llm call completed",
		"provider", i.provider,
		"model", req.Model,
		"elapsed_ms", elapsedMs,
		"total_tokens", resp.Usage.TotalTokens,
	)
	return resp, nil
}

// Stream is a placeholder, not token-level streaming: it calls Generate and then
// invokes onChunk exactly once with the full response text.
func (i *Invoker) Stream(ctx context.Context, prompt string, opts Options, onChunk func(chunk string)) (*Response, error) {
	resp, err := i.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(resp.Output())
	}
	return resp, nil
}

func (i *Invoker) wrapError(err error, req Request, elapsed time.Duration) *errors.FlowError {
	code := errors.CodeLLMError
	msg := "LLM provider call failed"
	if errors.HasCode(err, errors.CodeTimeout) {
		code = errors.CodeTimeout
		msg = "LLM provider call timed out"
	}
	return errors.New(code, msg, err).
		WithContext("provider", i.provider).
		WithContext("model", req.Model).
		WithContext("elapsed_ms", elapsed.Milliseconds()).
		WithAttribute("provider", i.provider).
		WithAttribute("model", req.Model).
		WithRecoverable(code == errors.CodeTimeout)
}
