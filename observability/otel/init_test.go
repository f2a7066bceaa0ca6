package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer abc , broken, =empty,x-tenant=zeppay ")
	if len(got) != 2 {
		t.Fatalf("expected two headers, got %v", got)
	}
	if got["authorization"] != "Bearer abc" || got["x-tenant"] != "zeppay" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "zeppayd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
	if _, err := Init(context.Background(), Config{ServiceName: "zeppayd", SampleRatio: 1.5}); err == nil {
		t.Fatalf("expected ratio above one to fail")
	}
}

func TestSamplerRatio(t *testing.T) {
	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{8: 0xff, 9: 0xff, 10: 0xff, 11: 0xff, 12: 0xff, 13: 0xff, 14: 0xff, 15: 0xff},
		Name:          "redemption.submit_code",
	}
	if res := sampler(0).ShouldSample(params); res.Decision != sdktrace.RecordAndSample {
		t.Fatalf("zero ratio should keep spans, got %v", res.Decision)
	}
	if res := sampler(0.01).ShouldSample(params); res.Decision != sdktrace.Drop {
		t.Fatalf("high trace id should be dropped at 1%%, got %v", res.Decision)
	}
}
