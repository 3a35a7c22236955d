package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		checks   HealthChecks
		wantCode int
		want     HealthResponse
	}{
		{
			name:     "no dependencies",
			checks:   HealthChecks{Version: "1.2.3"},
			wantCode: http.StatusOK,
			want:     HealthResponse{Status: "ok", Version: "1.2.3"},
		},
		{
			name:     "all healthy",
			checks:   HealthChecks{Version: "1.2.3", Postgres: fakePinger{}, NATS: fakeConn(true)},
			wantCode: http.StatusOK,
			want:     HealthResponse{Status: "ok", Postgres: "ok", NATS: "ok", Version: "1.2.3"},
		},
		{
			name:     "postgres down",
			checks:   HealthChecks{Version: "1.2.3", Postgres: fakePinger{err: errors.New("dial tcp: refused")}, NATS: fakeConn(true)},
			wantCode: http.StatusServiceUnavailable,
			want:     HealthResponse{Status: "degraded", Postgres: "unreachable", NATS: "ok", Version: "1.2.3"},
		},
		{
			name:     "nats disconnected",
			checks:   HealthChecks{Version: "1.2.3", Postgres: fakePinger{}, NATS: fakeConn(false)},
			wantCode: http.StatusServiceUnavailable,
			want:     HealthResponse{Status: "degraded", Postgres: "ok", NATS: "disconnected", Version: "1.2.3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Health(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var got HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
