/*
Package metrics provides Prometheus-based metrics collection for the flow
execution engine.

# Overview

The Collector registers and records Prometheus metrics through a
per-collector Registry, so multiple engines (and tests) can coexist in one
process. Metrics are grouped by namespace and labeled for dashboarding and
alerting.

# Main metric families

  - Run metrics: total runs and duration by terminal status, plus an
    in-flight gauge.
  - Node metrics: executions and duration by node kind and status, retry
    attempts by kind.
  - Usage metrics: token counts (prompt/completion) and cost in USD by
    model.
  - Stream metrics: outbound event counts by event type.
*/
package metrics
