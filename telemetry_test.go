package ingestd

import (
	"context"
	"strings"
	"testing"
)

func TestParseCollectorEndpoint(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
		want collectorTarget
	}{
		{
			name: "bare host defaults to plaintext grpc",
			raw:  "collector.local",
			want: collectorTarget{transport: "grpc", addr: "collector.local:4317", plaintext: true},
		},
		{
			name: "bare host keeps an explicit port",
			raw:  "collector.local:9999",
			want: collectorTarget{transport: "grpc", addr: "collector.local:9999", plaintext: true},
		},
		{
			name: "grpc scheme",
			raw:  "grpc://collector.local",
			want: collectorTarget{transport: "grpc", addr: "collector.local:4317", plaintext: true},
		},
		{
			name: "grpcs scheme is tls",
			raw:  "grpcs://collector.local:4317",
			want: collectorTarget{transport: "grpc", addr: "collector.local:4317", plaintext: false},
		},
		{
			name: "http scheme picks the http port",
			raw:  "http://collector.local",
			want: collectorTarget{transport: "http", addr: "collector.local:4318", plaintext: true},
		},
		{
			name: "https with a path",
			raw:  "https://collector.local/v1/traces/",
			want: collectorTarget{transport: "http", addr: "collector.local:4318", urlPath: "/v1/traces"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCollectorEndpoint(tc.raw)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("parse %q = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseCollectorEndpointRejectsBadInput(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "ftp://collector.local", "grpc://"} {
		if _, err := parseCollectorEndpoint(raw); err == nil {
			t.Fatalf("parse %q succeeded, want error", raw)
		}
	}
}

func TestNewTelemetryDisabledReturnsNil(t *testing.T) {
	t.Parallel()
	tel, err := newTelemetry(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("newTelemetry: %v", err)
	}
	if tel != nil {
		t.Fatalf("telemetry started with nothing enabled")
	}
	// Shutdown on the nil result is a no-op.
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestNewTelemetryProfilingNeedsMetricsListener(t *testing.T) {
	t.Parallel()
	_, err := newTelemetry(context.Background(), Config{EnableProfilingMetrics: true}, nil)
	if err == nil || !strings.Contains(err.Error(), "metrics listen") {
		t.Fatalf("err = %v, want metrics listen requirement", err)
	}
}
