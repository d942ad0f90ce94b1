package security

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

// UploadLimiter is a fixed-window counter per key. A burst of limit requests
// can land at a window boundary and be followed immediately by another full
// burst; that is the documented behavior of the fixed-window algorithm, not a
// bug.
type UploadLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	window  time.Duration

	now func() time.Time
}

func NewUploadLimiter(limit int, window time.Duration) *UploadLimiter {
	return &UploadLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// CheckLimit reports whether key may perform another upload in the current
// window, counting the call if allowed.
func (ul *UploadLimiter) CheckLimit(key string) bool {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	now := ul.now()
	w, exists := ul.windows[key]
	if !exists || now.After(w.resetAt) {
		ul.windows[key] = &rateWindow{count: 1, resetAt: now.Add(ul.window)}
		return true
	}

	if w.count < ul.limit {
		w.count++
		return true
	}

	return false
}

// Sweep drops expired windows. Not needed for correctness, only to bound
// memory over long runs.
func (ul *UploadLimiter) Sweep() {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	now := ul.now()
	for key, w := range ul.windows {
		if now.After(w.resetAt) {
			delete(ul.windows, key)
		}
	}
}

// StartSweeper runs Sweep on a ticker until stop is closed.
func (ul *UploadLimiter) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ul.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxConn     int
}

func NewConnectionLimiter(maxConn int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxConn:     maxConn,
	}
}

func (cl *ConnectionLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.maxConn {
		return false
	}
	cl.connections[ip]++
	return true
}

func (cl *ConnectionLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		if cl.connections[ip] == 0 {
			delete(cl.connections, ip)
		}
	}
}

// GetClientIP extracts the client IP from a request, preferring proxy headers
// only when they parse as real addresses.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
