package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	chhttp "github.com/Strob0t/Chimera/internal/adapter/http"
	"github.com/Strob0t/Chimera/internal/config"
	"github.com/Strob0t/Chimera/internal/domain/task"
)

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Storage.Backend = "memory"
	cfg.NATS.URL = ""
	cfg.Worker.Count = 2
	cfg.Worker.Types = nil
	cfg.Wallet.Transport = ""
	return &cfg
}

func TestParseTypes(t *testing.T) {
	got, err := parseTypes([]string{" research", "Content", ""})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []task.Type{task.TypeResearch, task.TypeContent}) {
		t.Fatalf("got %v", got)
	}
	if _, err := parseTypes([]string{"painting"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}); err == nil {
		t.Fatal("expected error")
	}
	if err := runAdmin([]string{"frobnicate"}); err == nil {
		t.Fatal("expected error")
	}
	if err := runAdmin([]string{"hitl"}); err == nil {
		t.Fatal("expected error for missing hitl subcommand")
	}
}

func TestBuildKernelMemory(t *testing.T) {
	k, err := buildKernel(context.Background(), memoryConfig(), kernelOptions{workers: true})
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	if len(k.workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(k.workers))
	}
	if k.sweeper == nil {
		t.Fatal("expected sweeper")
	}
	if k.bus != nil || k.nats != nil {
		t.Fatal("expected no event bus without a NATS url")
	}
}

func TestBuildKernelRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Backend = "sqlite"
	if _, err := buildKernel(context.Background(), cfg, kernelOptions{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildKernelRejectsUnknownWorkerType(t *testing.T) {
	cfg := memoryConfig()
	cfg.Worker.Types = []string{"PAINTING"}
	if _, err := buildKernel(context.Background(), cfg, kernelOptions{workers: true}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHealthMemory(t *testing.T) {
	k, err := buildKernel(context.Background(), memoryConfig(), kernelOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	w := httptest.NewRecorder()
	chhttp.Health(k.healthChecks())(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp chhttp.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Postgres != "" || resp.NATS != "" || resp.Version != version {
		t.Fatalf("unexpected health %+v", resp)
	}
}
