// Package ratelimit provides the per-client-IP fixed-window admission gate.
// Two backends share one interface: a Redis counter for deployments where
// several processes share quota, and a mutex-guarded map for single-process
// runs.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter hints when the window resets. Zero when unknown.
	RetryAfter time.Duration
}

// Limiter gates requests by client IP over a fixed window.
type Limiter interface {
	// Allow consumes one slot for the IP and reports whether the request
	// may proceed.
	Allow(ctx context.Context, clientIP string) (Result, error)
}

// Memory is the single-process limiter: a map of per-IP windows behind a
// mutex, reset lazily when a window has aged out.
type Memory struct {
	maxRequests int
	window      time.Duration

	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	count int
	start time.Time
}

// NewMemory creates an in-memory limiter.
func NewMemory(maxRequests int, window time.Duration) *Memory {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &Memory{
		maxRequests: maxRequests,
		window:      window,
		windows:     make(map[string]*memoryWindow),
	}
}

func (m *Memory) Allow(_ context.Context, clientIP string) (Result, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[clientIP]
	if !ok || now.Sub(w.start) >= m.window {
		m.windows[clientIP] = &memoryWindow{count: 1, start: now}
		return Result{Allowed: true, Remaining: m.maxRequests - 1}, nil
	}

	resetIn := m.window - now.Sub(w.start)
	if w.count >= m.maxRequests {
		return Result{Allowed: false, Remaining: 0, RetryAfter: resetIn}, nil
	}
	w.count++
	return Result{Allowed: true, Remaining: m.maxRequests - w.count, RetryAfter: resetIn}, nil
}
