// Package telemetry wires OpenTelemetry tracing through the firewall's
// two inspection entry points and the skill analyzer: one tracer,
// span-per-operation, with attributes rather than span names carrying
// the detail.
package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the gateway.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("firewalld")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "firewalld"
	}

	slog.Info("creating trace exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("firewalld")}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer("firewalld"), provider: tp}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is actively exporting.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attribute keys shared across the gateway's three traced operations.
const (
	AttrAgentID       = "firewall.agent.id"
	AttrThreatLevel   = "firewall.threat.level"
	AttrThreatScore   = "firewall.threat.score"
	AttrAllowed       = "firewall.allowed"
	AttrReason        = "firewall.reason"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
	AttrBytesIn       = "firewall.bytes.in"
	AttrBytesOut      = "firewall.bytes.out"
	AttrSkillSafe     = "skill.safe"
	AttrSkillRisk     = "skill.risk_score"
	AttrSkillCodeHash = "skill.code_hash"
)

// StartRequestSpan starts the span wrapping one InspectRequest call.
func (p *Provider) StartRequestSpan(ctx context.Context, agentID, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "firewall.inspect_request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrAgentID, agentID),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndRequestSpan closes a request span with the inspection verdict and
// proxied byte counts.
func (p *Provider) EndRequestSpan(span trace.Span, allowed bool, level, reason string, score float64, statusCode int, bytesIn, bytesOut int64, err error) {
	span.SetAttributes(
		attribute.Bool(AttrAllowed, allowed),
		attribute.String(AttrThreatLevel, level),
		attribute.String(AttrReason, reason),
		attribute.Float64(AttrThreatScore, score),
		attribute.Int(AttrResponseCode, statusCode),
		attribute.Int64(AttrBytesIn, bytesIn),
		attribute.Int64(AttrBytesOut, bytesOut),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartMessageSpan starts the span wrapping one InspectMessage call.
func (p *Provider) StartMessageSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "firewall.inspect_message",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrAgentID, agentID)),
	)
}

// EndMessageSpan closes a message-inspection span with its verdict.
func (p *Provider) EndMessageSpan(span trace.Span, allowed bool, level, reason string) {
	span.SetAttributes(
		attribute.Bool(AttrAllowed, allowed),
		attribute.String(AttrThreatLevel, level),
		attribute.String(AttrReason, reason),
	)
	span.End()
}

// StartSkillSpan starts the span wrapping one skill analysis.
func (p *Provider) StartSkillSpan(ctx context.Context, codeHash string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "skill.analyze",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrSkillCodeHash, codeHash)),
	)
}

// EndSkillSpan closes a skill-analysis span with its verdict.
func (p *Provider) EndSkillSpan(span trace.Span, safe bool, riskScore float64) {
	span.SetAttributes(
		attribute.Bool(AttrSkillSafe, safe),
		attribute.Float64(AttrSkillRisk, riskScore),
	)
	span.End()
}

// DefaultConfig returns a default telemetry configuration (disabled).
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "firewalld"}
}

// ConfigFromEnv overlays OTEL_* and FIREWALLD_TELEMETRY_* environment
// variables onto DefaultConfig().
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("FIREWALLD_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("FIREWALLD_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("FIREWALLD_TELEMETRY_EXPORTER")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing, for tests.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("firewalld-noop")}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
