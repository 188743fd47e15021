package cache

// CacheTablePrefix prefixes every materialized cache table.
const CacheTablePrefix = "_dash_cache-"

// Config holds the configuration for the materializer
type Config struct {
	// TablePrefix is prepended to the cache key to form the table name
	TablePrefix string
	// EnableStats enables cache statistics collection
	EnableStats bool
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		TablePrefix: CacheTablePrefix,
		EnableStats: true,
	}
}

// WithTablePrefix sets the cache table prefix
func (c *Config) WithTablePrefix(prefix string) *Config {
	c.TablePrefix = prefix
	return c
}

// WithStats enables or disables cache statistics
func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}
