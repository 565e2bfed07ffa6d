// Package metrics provides the centralized Prometheus metrics registry for
// the tornwatch engine. All metrics are defined in their respective packages
// (ratelimit, client, cache, refresh) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - torn_rate_limit_tokens_available (Gauge): Tokens currently admissible in the rolling window
//   - torn_rate_limit_acquires_total{result} (Counter): Admission decisions (acquired, rejected_window, rejected_penalty)
//   - torn_rate_limit_penalties_total (Counter): Penalty cooldowns entered after upstream throttling
//
// Request Metrics (pkg/client):
//   - torn_requests_total{status} (Counter): Upstream requests by HTTP status
//   - torn_request_duration_seconds (Histogram): Upstream request duration
//   - torn_errors_total{class} (Counter): Errors by class (client, server, throttled, network)
//
// Retry Metrics (pkg/client):
//   - torn_retries_total{error_class} (Counter): Retry attempts by error class
//   - torn_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - torn_retry_exhausted_total{error_class} (Counter): Fetches that ran out of attempts
//
// Cache Metrics (pkg/cache):
//   - torn_cache_entries_loaded_total (Counter): Entries loaded at startup
//   - torn_cache_writes_total (Counter): Records queued for the durable cache
//   - torn_cache_flushes_total (Counter): Successful batched flushes
//   - torn_cache_errors_total{operation} (Counter): Cache operation errors
//
// Refresh Metrics (pkg/refresh):
//   - torn_refresh_batches_total{outcome} (Counter): Batches by outcome (completed, cancelled, rejected)
//   - torn_refresh_batch_duration_seconds (Histogram): Batch refresh duration
//   - torn_targets_refreshed_total{result} (Counter): Per-target completions (ok, error)
//   - torn_refresh_pauses_total (Counter): Dispatch pauses caused by penalties
//
// Example Prometheus Queries:
//
//   # Error Rate by Class
//   rate(torn_errors_total[5m])
//
//   # Window Saturation
//   torn_rate_limit_tokens_available == 0
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(torn_request_duration_seconds_bucket[5m]))
//
//   # Share of Targets Failing per Batch
//   rate(torn_targets_refreshed_total{result="error"}[15m]) /
//   rate(torn_targets_refreshed_total[15m])
