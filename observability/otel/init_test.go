package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , empty=, =skip, broken ")
	if headers["authorization"] != "Bearer abc" {
		t.Fatalf("unexpected authorization header %q", headers["authorization"])
	}
	if v, ok := headers["empty"]; !ok || v != "" {
		t.Fatalf("expected empty value to be kept")
	}
	if len(headers) != 2 {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestInitWithoutExporters(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "loanpoold"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
