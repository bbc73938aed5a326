package tablet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataDir(tb testing.TB) *DataDir {
	tb.Helper()
	dir := NewDataDir(tb.TempDir(), StorageMediumSSD)
	require.NoError(tb, dir.Open(context.Background()))
	tb.Cleanup(func() { dir.Close() })
	return dir
}

func TestDataDir_Open(t *testing.T) {
	dir := newTestDataDir(t)

	assert.DirExists(t, filepath.Join(dir.Path(), DataPrefix))
	assert.DirExists(t, filepath.Join(dir.Path(), TrashPrefix))
	assert.FileExists(t, dir.MetaStore().Path())
	assert.Equal(t, StorageMediumSSD, dir.StorageMedium())
	assert.NotZero(t, dir.PathHash())
	assert.True(t, dir.IsUsed())
}

func TestDataDir_NextShard(t *testing.T) {
	dir := newTestDataDir(t)
	dir.SetMaxShardNum(2)

	for _, want := range []uint64{0, 1, 0, 1} {
		shard, err := dir.NextShard()
		require.NoError(t, err)
		assert.Equal(t, want, shard)
		assert.DirExists(t, dir.ShardDir(shard))
	}
}

func TestDataDir_PendingIDs(t *testing.T) {
	dir := newTestDataDir(t)

	assert.False(t, dir.HasPendingID("tablet_1"))
	dir.AddPendingID("tablet_1")
	assert.True(t, dir.HasPendingID("tablet_1"))
	dir.RemovePendingID("tablet_1")
	assert.False(t, dir.HasPendingID("tablet_1"))

	// removing an absent marker is fine
	dir.RemovePendingID("tablet_2")
}

func TestDataDir_RegisterTablet(t *testing.T) {
	dir := newTestDataDir(t)
	key := TabletKey{TabletID: 100, SchemaHash: 7}

	assert.False(t, dir.HasTablet(key))
	dir.RegisterTablet(key)
	assert.True(t, dir.HasTablet(key))
	assert.Equal(t, []TabletKey{key}, dir.RegisteredTablets())

	dir.DeregisterTablet(key)
	assert.False(t, dir.HasTablet(key))
	assert.Empty(t, dir.RegisteredTablets())
}

func TestDataDir_ClusterID(t *testing.T) {
	path := t.TempDir()
	dir := NewDataDir(path, StorageMediumHDD)
	require.NoError(t, dir.Open(context.Background()))

	assert.Equal(t, int32(-1), dir.ClusterID())
	require.NoError(t, dir.SetClusterID(12))
	assert.Equal(t, int32(12), dir.ClusterID())

	// idempotent for the same id, write-once for a different one
	require.NoError(t, dir.SetClusterID(12))
	assert.Error(t, dir.SetClusterID(13))
	require.NoError(t, dir.Close())

	// the marker survives a reopen
	reopened := NewDataDir(path, StorageMediumHDD)
	require.NoError(t, reopened.Open(context.Background()))
	defer reopened.Close()
	assert.Equal(t, int32(12), reopened.ClusterID())
}

func TestDataDir_MoveToTrash(t *testing.T) {
	dir := newTestDataDir(t)

	src := dir.SchemaHashDir(0, 100, 7)
	require.NoError(t, os.MkdirAll(src, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "1_0.dat"), []byte("x"), 0600))

	dest, err := dir.MoveToTrash(src, 100, 7)
	require.NoError(t, err)
	assert.NoDirExists(t, src)
	assert.FileExists(t, filepath.Join(dest, "1_0.dat"))

	found := dir.FindTabletInTrash(100)
	require.Len(t, found, 1)
	assert.Equal(t, dest, found[0])

	assert.Empty(t, dir.FindTabletInTrash(404))
}
