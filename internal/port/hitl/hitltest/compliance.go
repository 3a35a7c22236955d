// Package hitltest provides a behavioural suite shared by hitl.Registry adapters.
package hitltest

import (
	"context"
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/Strob0t/Chimera/internal/port/hitl"
)

// RunComplianceTests runs the shared suite against an empty registry.
func RunComplianceTests(t *testing.T, r hitl.Registry) {
	t.Helper()
	ctx := context.Background()
	a, b := uuid.NewString(), uuid.NewString()

	if err := r.Add(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, a); err != nil {
		t.Fatalf("second add must be a no-op, got %v", err)
	}
	if err := r.Add(ctx, b); err != nil {
		t.Fatal(err)
	}

	got, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{a, b}) {
		t.Fatalf("expected [%s %s] in insertion order, got %v", a, b, got)
	}

	if err := r.Remove(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(ctx, a); err != nil {
		t.Fatalf("removing a non-member must be a no-op, got %v", err)
	}
	got, _ = r.List(ctx)
	if !slices.Equal(got, []string{b}) {
		t.Fatalf("expected [%s], got %v", b, got)
	}
}
