package tablet

import (
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultStatCacheUpdateInterval, time.Duration(c.StatCacheUpdateInterval))
	assert.Equal(t, DefaultIncRowsetExpire, time.Duration(c.IncRowsetExpire))
	assert.Equal(t, uint64(DefaultMaxShardNum), c.MaxShardNum)
}

func TestConfig_Validate(t *testing.T) {
	c := NewConfig()
	c.MaxShardNum = 0
	assert.Error(t, c.Validate())

	c = NewConfig()
	c.StatCacheUpdateInterval = 0
	assert.Error(t, c.Validate())

	c = NewConfig()
	c.IncRowsetExpire = -1
	assert.Error(t, c.Validate())
}

func TestConfig_Decode(t *testing.T) {
	var c Config
	_, err := toml.Decode(`
stat-cache-update-interval = "90s"
inc-rowset-expire = "1h"
max-shard-num = 64
`, &c)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, time.Duration(c.StatCacheUpdateInterval))
	assert.Equal(t, time.Hour, time.Duration(c.IncRowsetExpire))
	assert.Equal(t, uint64(64), c.MaxShardNum)
	require.NoError(t, c.Validate())
}
