// Package telemetry owns the global OpenTelemetry tracer setup and the trace
// mode switch the HTTP and provider layers consult before opening spans.
package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Mode controls which spans the process emits.
type Mode string

const (
	// ModeOff disables all span creation.
	ModeOff Mode = "off"
	// ModeSampled emits ratio-sampled spans.
	ModeSampled Mode = "sampled"
	// ModeErrors keeps a low floor of sampled spans for error forensics.
	ModeErrors Mode = "errors"
	// ModeDetailed emits every span including provider dependency calls.
	ModeDetailed Mode = "detailed"
)

var activeMode atomic.Value

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
}

// Runtime holds the initialized provider and its shutdown hook.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider. Disabled telemetry still
// installs a provider so span creation stays cheap and non-nil everywhere.
func Setup(cfg Config) (Runtime, error) {
	mode := ParseMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = ModeOff
	}
	activeMode.Store(mode)

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "harvester"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return Runtime{}, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(mode.sampler(cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

// ParseMode maps a config string onto a Mode. Unknown values fall back to
// sampled so a typo never silently disables tracing.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOff:
		return ModeOff
	case ModeErrors:
		return ModeErrors
	case ModeDetailed:
		return ModeDetailed
	default:
		return ModeSampled
	}
}

func (m Mode) sampler(ratio float64) sdktrace.Sampler {
	switch m {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		if ratio = clampRatio(ratio); ratio <= 0 {
			ratio = 0.01
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(ratio)))
	}
}

// TraceMode reports the mode installed by Setup. Before Setup runs, tracing
// is off.
func TraceMode() string {
	value := activeMode.Load()
	mode, ok := value.(Mode)
	if !ok || mode == "" {
		return string(ModeOff)
	}
	return string(mode)
}

// ShouldTraceDependencies reports whether per-call provider spans (GraphQL
// and REST round trips) should be emitted.
func ShouldTraceDependencies() bool {
	return TraceMode() == string(ModeDetailed)
}

func clampRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
