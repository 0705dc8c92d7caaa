/*
Package metrics records storage operation metrics for flowstore.

The Collector keeps prometheus series for every managed operation, labelled by
backend and operation, plus the time spent waiting on rate limiters and on
free local storage and the number of partial downloads removed after a failed
retrieval. A small per-operation summary is kept in memory for the CLI.

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	collector.RecordOperation("s3", "retrieve", elapsed, n, err)

Exposed series (namespace "flowstore" by default):

	operations_total{backend,operation,status}
	operation_duration_seconds{backend,operation}
	operation_size_bytes{backend,operation}
	operations_in_flight{backend,operation}
	errors_total{backend,operation,type}
	rate_limit_wait_seconds{backend}
	disk_space_wait_seconds_total{backend}
	retrieve_cleanups_total{backend,status}

Start serves /metrics, /health and /debug/operations on the configured port.
A disabled or nil Collector ignores every call.
*/
package metrics
