package logger_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/granitedb/granite/logger"
)

func TestNew_WritesConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf)
	log.Debug("tablet manager started", logger.TabletID(100))

	out := buf.String()
	assert.Contains(t, out, "tablet manager started")
	assert.Contains(t, out, "100")
}

func TestNewWithLevel_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithLevel(&buf, zapcore.WarnLevel)
	log.Info("quiet")
	log.Warn("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestConfig_New(t *testing.T) {
	c := logger.NewConfig()
	assert.Equal(t, zapcore.InfoLevel, c.Level)

	var buf bytes.Buffer
	log := c.New(&buf)
	log.Debug("hidden")
	log.Info("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestContext_RoundTrip(t *testing.T) {
	assert.Nil(t, logger.FromContext(context.Background()))

	log := logger.New(io.Discard)
	ctx := logger.NewContextWithLogger(context.Background(), log)
	assert.Same(t, log, logger.FromContext(ctx))
}

func TestFields(t *testing.T) {
	assert.Equal(t, zap.Int64("tablet_id", 5), logger.TabletID(5))
	assert.Equal(t, zap.Int32("schema_hash", 7), logger.SchemaHash(7))
	assert.Equal(t, zap.Uint64("shard_id", 3), logger.Shard(3))
	assert.Equal(t, zap.String("data_dir", "/d1"), logger.DataDir("/d1"))
	assert.Equal(t, zap.Int64("rowset_id", 9), logger.RowsetID(9))
}
