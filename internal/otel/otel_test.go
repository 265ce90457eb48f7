package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, "v-test")
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"none", Config{Enabled: true, Exporter: "none"}, false},
		{"custom service", Config{Enabled: true, Exporter: "none", ServiceName: "overseer-staging", SampleRate: 0.5}, false},
		{"unknown", Config{Enabled: true, Exporter: "magic-pixie-dust"}, true},
		{"bad endpoint scheme", Config{Enabled: true, Exporter: "otlp-http", Endpoint: "grpc://collector:4317"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Init(context.Background(), tc.cfg, "v-test")
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil {
				t.Fatal("expected TracerProvider")
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, "v-test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "worker.run", AttrWorkerID.String("w1"), AttrRunID.String("r1"))
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span")
	}
	span.End()
	_, span = StartServerSpan(context.Background(), p.Tracer, "gateway.dispatch")
	span.End()
	_, span = StartClientSpan(context.Background(), p.Tracer, "llm.generate", AttrModel.String("fast"))
	span.End()
}

func TestOTLPOptions(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"default endpoint", Config{}, 2},
		{"host port", Config{Endpoint: "collector:4318"}, 1},
		{"host port insecure", Config{Endpoint: "collector:4318", Insecure: true}, 2},
		{"url with headers", Config{Endpoint: "https://otel.example.com/v1/traces", Headers: map[string]string{"x-api-key": "k"}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := otlpOptions(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if len(opts) != tt.want {
				t.Fatalf("got %d options, want %d", len(opts), tt.want)
			}
		})
	}
}
