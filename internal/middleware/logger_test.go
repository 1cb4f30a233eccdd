package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	tests := []struct {
		name   string
		status int
		level  zapcore.Level
	}{
		{name: "ok", status: http.StatusCreated, level: zapcore.InfoLevel},
		{name: "server error", status: http.StatusBadGateway, level: zapcore.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("hello"))
			})

			r := httptest.NewRequest(http.MethodGet, "/api/payments/orders/PAY-1", nil)
			Logger(logger)(next).ServeHTTP(httptest.NewRecorder(), r)

			entries := logs.TakeAll()
			if len(entries) != 1 {
				t.Fatalf("got %d log entries, want 1", len(entries))
			}
			e := entries[0]
			if e.Level != tt.level {
				t.Fatalf("level = %v, want %v", e.Level, tt.level)
			}
			fields := e.ContextMap()
			if fields["status"] != int64(tt.status) {
				t.Fatalf("status field = %v, want %d", fields["status"], tt.status)
			}
			if fields["size"] != int64(5) {
				t.Fatalf("size field = %v, want 5", fields["size"])
			}
			if fields["uri"] != "/api/payments/orders/PAY-1" {
				t.Fatalf("uri field = %v", fields["uri"])
			}
		})
	}
}
