// Package testcontext provides a context.Context scoped to a single test,
// bundling goroutine tracking and temp-directory cleanup the way every
// package in this repo expects its tests to be wired.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Context is a test-scoped context.Context plus a cleanup stack.
type Context struct {
	context.Context

	t       testing.TB
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	cleanup []func()
	tempdir string
}

// New creates a new test context that is canceled when the test finishes.
func New(t testing.TB) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	tc := &Context{Context: ctx, t: t, cancel: cancel}
	t.Cleanup(tc.Cleanup)
	return tc
}

// NewWithTimeout creates a test context that is canceled after timeout.
func NewWithTimeout(t testing.TB, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	tc := &Context{Context: ctx, t: t, cancel: cancel}
	t.Cleanup(tc.Cleanup)
	return tc
}

// Go runs fn in a goroutine tracked by the context; a non-nil error is
// reported to the test when fn returns, and Cleanup waits for fn.
func (ctx *Context) Go(fn func() error) {
	ctx.wg.Add(1)
	go func() {
		defer ctx.wg.Done()
		if err := fn(); err != nil {
			ctx.t.Error(err)
		}
	}()
}

// Check runs fn and reports any error to the test immediately.
func (ctx *Context) Check(fn func() error) {
	if err := fn(); err != nil {
		ctx.t.Fatal(err)
	}
}

// Dir returns a fresh temp directory joined from elem, created on demand.
func (ctx *Context) Dir(elem ...string) string {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.tempdir == "" {
		dir, err := os.MkdirTemp("", "testcontext")
		if err != nil {
			ctx.t.Fatal(err)
		}
		ctx.tempdir = dir
		ctx.cleanup = append(ctx.cleanup, func() { _ = os.RemoveAll(dir) })
	}

	dir := filepath.Join(append([]string{ctx.tempdir}, elem...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		ctx.t.Fatal(err)
	}
	return dir
}

// File returns a path to elem under a fresh temp directory, ensuring the
// parent directory exists.
func (ctx *Context) File(elem ...string) string {
	if len(elem) == 0 {
		ctx.t.Fatal("testcontext: File requires at least one path element")
	}
	dir := ctx.Dir(elem[:len(elem)-1]...)
	return filepath.Join(dir, elem[len(elem)-1])
}

// Cleanup cancels the context, waits for tracked goroutines, and removes
// any temp directories created during the test.
func (ctx *Context) Cleanup() {
	ctx.cancel()
	ctx.wg.Wait()

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for i := len(ctx.cleanup) - 1; i >= 0; i-- {
		ctx.cleanup[i]()
	}
	ctx.cleanup = nil
}
