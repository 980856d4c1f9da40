package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      uint64
	RequestsInProgress uint64
	RequestsSuccess    uint64
	RequestsFailed     uint64

	GenerationsTotal     uint64
	GenerationsCompleted uint64
	GenerationsCancelled uint64
	GenerationsFailed    uint64

	CombinesTotal   uint64
	CombinesPartial uint64

	StartTime time.Time
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

// IncrementRequests increments total request counter
func IncrementRequests() {
	atomic.AddUint64(&globalMetrics.RequestsTotal, 1)
}

func IncrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, 1)
}

func DecrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, ^uint64(0))
}

func IncrementSuccess() {
	atomic.AddUint64(&globalMetrics.RequestsSuccess, 1)
}

func IncrementFailed() {
	atomic.AddUint64(&globalMetrics.RequestsFailed, 1)
}

// RecordGeneration counts a finished generation by its terminal state.
func RecordGeneration(state string) {
	atomic.AddUint64(&globalMetrics.GenerationsTotal, 1)
	switch state {
	case "completed":
		atomic.AddUint64(&globalMetrics.GenerationsCompleted, 1)
	case "cancelled":
		atomic.AddUint64(&globalMetrics.GenerationsCancelled, 1)
	default:
		atomic.AddUint64(&globalMetrics.GenerationsFailed, 1)
	}
}

// RecordCombine counts a combine run; partial means at least one synthesis failed.
func RecordCombine(partial bool) {
	atomic.AddUint64(&globalMetrics.CombinesTotal, 1)
	if partial {
		atomic.AddUint64(&globalMetrics.CombinesPartial, 1)
	}
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"requests_total":        atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_in_progress":  atomic.LoadUint64(&globalMetrics.RequestsInProgress),
		"requests_success":      atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":       atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"generations_total":     atomic.LoadUint64(&globalMetrics.GenerationsTotal),
		"generations_completed": atomic.LoadUint64(&globalMetrics.GenerationsCompleted),
		"generations_cancelled": atomic.LoadUint64(&globalMetrics.GenerationsCancelled),
		"generations_failed":    atomic.LoadUint64(&globalMetrics.GenerationsFailed),
		"combines_total":        atomic.LoadUint64(&globalMetrics.CombinesTotal),
		"combines_partial":      atomic.LoadUint64(&globalMetrics.CombinesPartial),
		"uptime_seconds":        time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		IncrementRequests()
		IncrementInProgress()
		defer DecrementInProgress()

		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			IncrementSuccess()
		} else {
			IncrementFailed()
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GetMetrics())
}
