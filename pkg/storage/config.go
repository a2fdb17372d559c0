package storage

import (
	"net/url"
	"strings"
	"time"
)

// Dialect identifies the SQL backend
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// Config for the storage backend
type Config struct {
	Driver Dialect `yaml:"driver"` // "postgres" or "sqlite3"

	// Primary connection string (postgres URL or sqlite DSN)
	URL         string        `yaml:"url"`
	ReplicaURLs []string      `yaml:"replica_urls"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`

	// Apply migrations on startup
	AutoMigrate bool `yaml:"auto_migrate"`

	// Redis config (shared rate limits)
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Driver:          DialectPostgres,
		MaxConns:        20,
		MinConns:        5,
		Timeout:         5 * time.Second,
		MaxLifetime:     time.Hour,
		MaxIdleTime:     10 * time.Minute,
		AutoMigrate:     false,
		RedisDB:         0,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
	}
}

// ParseReplicaURLs parses comma-separated replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))

	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// DayBucket returns an expression that truncates a timestamp column to a UTC
// YYYY-MM-DD string.
func (d Dialect) DayBucket(column string) string {
	if d == DialectSQLite {
		return "substr(" + column + ", 1, 10)"
	}
	return "to_char(" + column + " AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
}

// sqliteDefaults are added to a SQLite DSN unless the caller set them (or an alias)
var sqliteDefaults = []struct {
	keys  []string
	value string
}{
	{keys: []string{"_txlock"}, value: "immediate"},
	{keys: []string{"_busy_timeout", "_timeout"}, value: "10000"},
	{keys: []string{"_foreign_keys", "_fk"}, value: "1"},
}

// SQLiteDSN returns dsn with writer serialization (BEGIN IMMEDIATE), a busy timeout and
// foreign keys enabled. Options already present in dsn are kept as given.
func SQLiteDSN(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}

	var extra []string
	for _, opt := range sqliteDefaults {
		set := false
		for _, k := range opt.keys {
			if query.Has(k) {
				set = true
				break
			}
		}
		if !set {
			extra = append(extra, opt.keys[0]+"="+opt.value)
		}
	}
	if len(extra) == 0 {
		return dsn
	}

	if rawQuery == "" {
		return base + "?" + strings.Join(extra, "&")
	}
	return base + "?" + rawQuery + "&" + strings.Join(extra, "&")
}
