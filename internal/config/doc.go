/*
Package config loads and validates the madbfs configuration.

Configuration is layered: NewDefault, then an optional YAML file, then
MADBFS_* environment variables, then command-line flags applied by the
caller. Validate runs last.

	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

A complete file with the defaults:

	global:
	  log_level: INFO
	  log_format: console
	  log_file: ""
	device:
	  serial: ""
	  adb_path: adb
	  command_timeout: 30s
	mount:
	  mount_point: ""
	  read_only: false
	  allow_other: false
	  debug: false
	  attr_timeout: 1s
	  entry_timeout: 1s
	  fs_name: madbfs
	cache:
	  page_size_kib: 128
	  cache_size_mib: 256
	  stat_ttl: 30s
	remote:
	  retry:
	    max_attempts: 3
	    base_delay: 200ms
	    max_delay: 5s
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 3
	    timeout: 5s
	ipc:
	  enabled: true
	  socket_dir: ""
	monitoring:
	  metrics:
	    enabled: false
	    port: 9464
	    path: /metrics

Environment variables:

	MADBFS_LOG_LEVEL, MADBFS_LOG_FORMAT, MADBFS_LOG_FILE
	ANDROID_SERIAL, MADBFS_SERIAL (wins), MADBFS_ADB_PATH, MADBFS_COMMAND_TIMEOUT
	MADBFS_MOUNT_POINT, MADBFS_READ_ONLY
	MADBFS_PAGE_SIZE (KiB), MADBFS_CACHE_SIZE (MiB), MADBFS_STAT_TTL
	MADBFS_IPC_ENABLED, MADBFS_SOCKET_DIR
	MADBFS_METRICS_ENABLED, MADBFS_METRICS_PORT

Malformed values are reported as INVALID_CONFIG; rule violations found by
Validate as CONFIG_VALIDATION.
*/
package config
