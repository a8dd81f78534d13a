/*
Package metrics exports Prometheus metrics for a mount.

The Collector implements types.MetricsCollector. The page cache reports
hits, misses and resident bytes, the adb connection reports every device
command with its duration, and the mount adapter reports each filesystem
operation with its outcome. Error counts are labelled with the error code.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled: true,
		Port:    9464,
		Path:    "/metrics",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

Exported series, all under the madbfs namespace:

	operations_total{operation,status}
	operation_duration_seconds{operation}
	operation_size_bytes{operation}
	cache_requests_total{type,source}
	cache_size_bytes{level}
	remote_commands_total{command,status}
	remote_command_duration_seconds{command}
	errors_total{operation,code}

Besides /metrics the server answers /health and /debug/operations, the
latter with per-operation counts and averages as JSON.

A disabled collector accepts every call and records nothing.
*/
package metrics
