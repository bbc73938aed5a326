package tablet

import (
	"errors"
	"time"

	"github.com/granitedb/granite/toml"
)

const (
	// DefaultStatCacheUpdateInterval is how long the tablet stat cache is
	// served before being rebuilt.
	DefaultStatCacheUpdateInterval = 5 * time.Minute

	// DefaultIncRowsetExpire is how long incremental rowsets are kept
	// before the trash sweeper prunes them.
	DefaultIncRowsetExpire = 30 * time.Minute

	// DefaultMaxShardNum is the modulus for round-robin shard assignment
	// within a data dir.
	DefaultMaxShardNum = 1024

	// DataPrefix is the directory under a data dir root holding tablet data.
	DataPrefix = "data"

	// TrashPrefix is the directory under a data dir root holding swept tablets.
	TrashPrefix = "trash"

	// MetaPrefix is the directory under a data dir root holding the meta store.
	MetaPrefix = "meta"

	// TabletIDPrefix namespaces pending-id markers on a data dir.
	TabletIDPrefix = "tablet_"

	// HeaderFileSuffix is the extension of the per-tablet header snapshot.
	HeaderFileSuffix = ".hdr"

	// ClusterIDFileName is the per-data-dir cluster membership marker.
	ClusterIDFileName = "cluster_id"
)

// Config holds the tunables of the tablet manager.
type Config struct {
	StatCacheUpdateInterval toml.Duration `toml:"stat-cache-update-interval"`
	IncRowsetExpire         toml.Duration `toml:"inc-rowset-expire"`
	MaxShardNum             uint64        `toml:"max-shard-num"`
}

// NewConfig returns a new Config with default values.
func NewConfig() Config {
	return Config{
		StatCacheUpdateInterval: toml.Duration(DefaultStatCacheUpdateInterval),
		IncRowsetExpire:         toml.Duration(DefaultIncRowsetExpire),
		MaxShardNum:             DefaultMaxShardNum,
	}
}

// Validate returns an error if the config is unusable.
func (c Config) Validate() error {
	if c.MaxShardNum == 0 {
		return errors.New("max-shard-num must be positive")
	}
	if c.StatCacheUpdateInterval <= 0 {
		return errors.New("stat-cache-update-interval must be positive")
	}
	if c.IncRowsetExpire <= 0 {
		return errors.New("inc-rowset-expire must be positive")
	}
	return nil
}
