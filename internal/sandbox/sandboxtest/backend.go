// Package sandboxtest provides a scriptable sandbox.Backend for tests.
package sandboxtest

import (
	"context"
	"sync/atomic"

	"forgescan/tool-runner/internal/sandbox"
)

type Backend struct {
	ExecuteFn    func(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error)
	executeCalls atomic.Int64

	CheckFn func(ctx context.Context) error
}

func (b *Backend) Name() string { return "spy" }

func (b *Backend) Execute(ctx context.Context, spec sandbox.Spec) (*sandbox.Outcome, error) {
	b.executeCalls.Add(1)
	if b.ExecuteFn == nil {
		if spec.OnStart != nil {
			spec.OnStart()
		}
		return &sandbox.Outcome{}, nil
	}
	return b.ExecuteFn(ctx, spec)
}

func (b *Backend) Check(ctx context.Context) error {
	if b.CheckFn == nil {
		return nil
	}
	return b.CheckFn(ctx)
}

// ExecuteInvoked reports whether Execute was ever called.
func (b *Backend) ExecuteInvoked() bool { return b.executeCalls.Load() > 0 }

func (b *Backend) ExecuteCalls() int64 { return b.executeCalls.Load() }
