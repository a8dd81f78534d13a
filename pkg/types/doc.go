/*
Package types holds the data model shared by the madbfs layers.

	┌─────────────────────────────────────────────┐
	│        mount adapter (internal/fuse)        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│      node tree (internal/tree)  ◄── ipc     │
	└─────────────────────────────────────────────┘
	          │                      │
	┌─────────┴─────────┐  ┌─────────┴─────────┐
	│   page cache      │  │    connection     │
	│ (internal/cache)  │─►│ (adb over exec)   │
	└───────────────────┘  └───────────────────┘

# Identity

Every Stat gets an ID from a process-wide atomic counter when it is
constructed. The page cache keys file content by ID rather than path, so a
rename keeps cached pages, and a refreshed Stat for changed remote content
gets a new ID whose pages can never be confused with the old ones.

# Metrics

MetricsCollector is implemented by internal/metrics.Collector. Components
accept it as an interface and fall back to NopMetrics.
*/
package types
