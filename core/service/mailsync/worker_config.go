package mailsync

import "time"

// Config bounds one reconciliation pass.
type Config struct {
	FullSyncCap    int           // max ids enumerated by Full Sync (default: 10000)
	FallbackCap    int           // max ids re-listed by the timestamp fallback (default: 500)
	FallbackBuffer time.Duration // subtracted from the last sync time (default: 1h)
	PageSize       int           // ids requested per list page (default: 500)
	FetchChunk     int           // ids per header fetch call (default: 100)
	StoreBatch     int           // rows per store write (default: 100)
	LeaseTTL       time.Duration // account lease expiry (default: 15m)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FullSyncCap:    10000,
		FallbackCap:    500,
		FallbackBuffer: time.Hour,
		PageSize:       500,
		FetchChunk:     100,
		StoreBatch:     100,
		LeaseTTL:       15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FullSyncCap <= 0 {
		c.FullSyncCap = d.FullSyncCap
	}
	if c.FallbackCap <= 0 {
		c.FallbackCap = d.FallbackCap
	}
	if c.FallbackBuffer < 0 {
		c.FallbackBuffer = d.FallbackBuffer
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.FetchChunk <= 0 {
		c.FetchChunk = d.FetchChunk
	}
	if c.StoreBatch <= 0 {
		c.StoreBatch = d.StoreBatch
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	return c
}
