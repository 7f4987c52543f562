// Package tracing wires OpenTelemetry for the orchestrator. Runs and stages
// become spans; with tracing disabled a no-op tracer is handed out.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	defaultServiceName = "animus-deploy"
)

// Span attribute keys.
const (
	AttrRunID       = "run.id"
	AttrPipeline    = "pipeline.name"
	AttrEnvironment = "pipeline.environment"
	AttrStage       = "stage.name"
	AttrStageKind   = "stage.kind"
	AttrStageStep   = "stage.step"
	AttrArtifact    = "artifact.handle"
	AttrErrorKind   = "error.kind"
)

type Config struct {
	Enabled      bool
	Exporter     string
	OTLPEndpoint string
	SampleRate   float64
	ServiceName  string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("ANIMUS_DEPLOY_TRACING_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	exporter, err := env.OneOf("ANIMUS_DEPLOY_TRACING_EXPORTER", ExporterStdout, ExporterNone, ExporterStdout, ExporterOTLP)
	if err != nil {
		return Config{}, err
	}
	rate, err := env.Int("ANIMUS_DEPLOY_TRACING_SAMPLE_PERCENT", 100)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:      enabled,
		Exporter:     exporter,
		OTLPEndpoint: env.String("ANIMUS_DEPLOY_TRACING_OTLP_ENDPOINT", "localhost:4317"),
		SampleRate:   float64(rate) / 100,
		ServiceName:  env.String("ANIMUS_DEPLOY_TRACING_SERVICE_NAME", defaultServiceName),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if strings.TrimSpace(c.OTLPEndpoint) == "" {
			return errors.New("ANIMUS_DEPLOY_TRACING_OTLP_ENDPOINT is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unsupported tracing exporter %q", c.Exporter)
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return errors.New("ANIMUS_DEPLOY_TRACING_SAMPLE_PERCENT must be between 1 and 100")
	}
	return nil
}

// Provider owns the tracer provider for the process.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider configures tracing from cfg. Stdout spans go to out, which
// defaults to os.Stderr so they never mix with command output.
func NewProvider(ctx context.Context, cfg Config, out io.Writer) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(defaultServiceName)}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case ExporterStdout:
		if out == nil {
			out = os.Stderr
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case ExporterOTLP:
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Provider{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// NewTestProvider records spans synchronously into exporter.
func NewTestProvider(exporter sdktrace.SpanExporter) *Provider {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return &Provider{provider: provider, tracer: provider.Tracer(defaultServiceName)}
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(defaultServiceName)
	}
	return p.tracer
}

func (p *Provider) Enabled() bool {
	return p != nil && p.provider != nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
