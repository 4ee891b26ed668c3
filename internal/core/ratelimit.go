package core

import "time"

type rateWindowState struct {
	start time.Time
	count int
}

// RateLimiter is a coarse per-username counter over a fixed window that
// restarts with the first send after the previous window expired.
// It is not safe for concurrent use.
type RateLimiter struct {
	window  time.Duration
	max     int
	entries map[string]*rateWindowState
}

// NewRateLimiter allows up to max sends per window.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		max:     max,
		entries: make(map[string]*rateWindowState),
	}
}

// Allow records one send attempt by username at now.
func (l *RateLimiter) Allow(username string, now time.Time) bool {
	w, ok := l.entries[username]
	if !ok || now.Sub(w.start) >= l.window {
		l.entries[username] = &rateWindowState{start: now, count: 1}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Forget drops the window for username.
func (l *RateLimiter) Forget(username string) {
	delete(l.entries, username)
}

// Len returns the number of tracked usernames.
func (l *RateLimiter) Len() int {
	return len(l.entries)
}
