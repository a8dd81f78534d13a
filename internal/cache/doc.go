/*
Package cache holds file content read from and written to the device.

Content is cut into fixed-size pages keyed by file identity and page index.
One LRU list spans all files and the resident size is bounded by the cache
size budget:

	┌──────────────────────────────────────────────┐
	│                   Cache                      │
	│  files: ID ─► { path, epoch, pages }         │
	│  lru:   most recent ◄──────────► eviction    │
	└──────────────────────────────────────────────┘
	          │ miss (singleflight)     ▲ write-back
	          ▼                         │
	┌──────────────────────────────────────────────┐
	│         Backend (connection.Connection)      │
	└──────────────────────────────────────────────┘

# Page size epochs

SetPageSize bumps a cache-wide epoch. Pages already cached keep the size
they were cut with; a file still on an older epoch writes its dirty pages
back and drops the rest on its next access, so one file never mixes page
sizes. A fetch that completes after an epoch change is not inserted.

# Dirty pages

Writes stay in the cache until Flush or eviction. A page only partly
covered by a write is read from the device first unless it lies entirely
past the end of the file. A failed write-back leaves the page dirty so the
caller can retry.

# Budget

SetCacheSize only changes the budget; pages are evicted at the next
Read or Write that finds the cache over it.
*/
package cache
