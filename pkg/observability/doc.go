/*
Package observability provides the monitoring facade of the session lifecycle.

A Monitor counts cache and checkpoint events with atomics so that Stats is a
lock-free snapshot. Fine-grained instrumentation (hits, misses, evictions and
latency histograms) can be switched off at runtime while coarse figures such as
the resident size and ownership keep updating. A Collector exports the same
snapshot to Prometheus.
*/
package observability
