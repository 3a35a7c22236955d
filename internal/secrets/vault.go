// Package secrets holds credentials that can be rotated while the kernel
// runs: the LiteLLM master key and the MCP server API key.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

// Loader reads the current secret values.
type Loader func() (map[string]string, error)

// Vault keeps the last successfully loaded secrets.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault loads the initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or "" when it is not set.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Source returns a getter for key that falls back to fallback while the
// vault has no value. Getters observe reloads.
func (v *Vault) Source(key, fallback string) func() string {
	return func() string {
		if s := v.Get(key); s != "" {
			return s
		}
		return fallback
	}
}

// Reload swaps in freshly loaded values. A failed load keeps the old ones.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// ReloadOn reloads the vault every time one of sigs arrives, until ctx ends.
func (v *Vault) ReloadOn(ctx context.Context, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if err := v.Reload(); err != nil {
				slog.ErrorContext(ctx, "secret reload failed", "signal", sig.String(), "error", err)
				continue
			}
			slog.InfoContext(ctx, "secrets reloaded", "signal", sig.String(), "keys", v.Len(), "audit", true)
		}
	}
}

// Len returns the number of loaded secrets.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}
