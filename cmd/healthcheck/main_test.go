package main

import "testing"

func TestTarget(t *testing.T) {
	tests := []struct{ addr, want string }{
		{"", "http://localhost:8080/healthz"},
		{":9090", "http://localhost:9090/healthz"},
		{"127.0.0.1:8081", "http://127.0.0.1:8081/healthz"},
	}
	for _, tt := range tests {
		t.Setenv("HTTP_ADDR", tt.addr)
		if got := target(); got != tt.want {
			t.Errorf("target() with HTTP_ADDR=%q = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
