package tablet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/granitedb/granite/logger"
)

// StorageMedium is the kind of device backing a data dir.
type StorageMedium string

const (
	StorageMediumHDD StorageMedium = "HDD"
	StorageMediumSSD StorageMedium = "SSD"
)

// TabletKey identifies one tablet instance.
type TabletKey struct {
	TabletID   int64
	SchemaHash int32
}

func (k TabletKey) String() string {
	return fmt.Sprintf("%d.%d", k.TabletID, k.SchemaHash)
}

const trashTimeLabelFormat = "20060102150405"

// DataDir is one storage root. It owns round-robin shard assignment, the
// durable meta store, pending-id markers for in-flight creations, the set
// of tablets registered on this device, and the trash area.
type DataDir struct {
	path        string
	medium      StorageMedium
	pathHash    uint64
	maxShardNum uint64
	meta        *MetaStore
	clock       clock.Clock
	logger      *zap.Logger

	mu           sync.Mutex
	currentShard uint64
	pendingIDs   map[string]struct{}
	tablets      map[TabletKey]struct{}
	clusterID    int32
	used         bool
}

// NewDataDir returns a DataDir rooted at path. The returned dir must be
// opened before use.
func NewDataDir(path string, medium StorageMedium) *DataDir {
	return &DataDir{
		path:        path,
		medium:      medium,
		pathHash:    xxhash.Sum64String(path),
		maxShardNum: DefaultMaxShardNum,
		meta:        NewMetaStore(filepath.Join(path, MetaPrefix, "tablet.db")),
		clock:       clock.New(),
		logger:      zap.NewNop(),
		pendingIDs:  make(map[string]struct{}),
		tablets:     make(map[TabletKey]struct{}),
		clusterID:   -1,
		used:        true,
	}
}

// WithLogger sets the logger on the dir and its meta store.
func (d *DataDir) WithLogger(log *zap.Logger) {
	d.logger = log.With(logger.DataDir(d.path))
	d.meta.WithLogger(log)
}

// SetMaxShardNum overrides the round-robin shard modulus. Must be called
// before tablets are created.
func (d *DataDir) SetMaxShardNum(n uint64) {
	if n > 0 {
		d.maxShardNum = n
	}
}

// Open prepares the directory tree, opens the meta store and reads the
// cluster id marker if one exists.
func (d *DataDir) Open(ctx context.Context) error {
	for _, sub := range []string{DataPrefix, TrashPrefix} {
		if err := os.MkdirAll(filepath.Join(d.path, sub), 0700); err != nil {
			return errors.Wrapf(err, "unable to create directory %s", filepath.Join(d.path, sub))
		}
	}
	if err := d.meta.Open(ctx); err != nil {
		return err
	}
	if err := d.readClusterID(); err != nil {
		return err
	}
	d.logger.Info("Data dir opened", zap.String("medium", string(d.medium)))
	return nil
}

// Close closes the meta store.
func (d *DataDir) Close() error {
	var result *multierror.Error
	if err := d.meta.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Path returns the storage root.
func (d *DataDir) Path() string { return d.path }

// PathHash returns a stable hash of the storage root.
func (d *DataDir) PathHash() uint64 { return d.pathHash }

// StorageMedium returns the device kind of the dir.
func (d *DataDir) StorageMedium() StorageMedium { return d.medium }

// MetaStore returns the durable meta store of the dir.
func (d *DataDir) MetaStore() *MetaStore { return d.meta }

// IsUsed reports whether the dir is healthy and serving tablets.
func (d *DataDir) IsUsed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// SetUsed marks the dir healthy or failed.
func (d *DataDir) SetUsed(used bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.used = used
}

func (d *DataDir) clusterIDPath() string {
	return filepath.Join(d.path, ClusterIDFileName)
}

func (d *DataDir) readClusterID() error {
	b, err := os.ReadFile(d.clusterIDPath())
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return errors.Wrapf(err, "malformed cluster id file %s", d.clusterIDPath())
	}
	d.mu.Lock()
	d.clusterID = int32(id)
	d.mu.Unlock()
	return nil
}

// ClusterID returns the cluster this dir belongs to, or -1 when unset.
func (d *DataDir) ClusterID() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clusterID
}

// SetClusterID persists the cluster id marker. The id is write-once:
// setting a different id on an already bound dir fails.
func (d *DataDir) SetClusterID(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clusterID != -1 {
		if d.clusterID == id {
			return nil
		}
		return errors.Errorf("data dir %s already bound to cluster %d", d.path, d.clusterID)
	}
	if err := os.WriteFile(d.clusterIDPath(), []byte(strconv.FormatInt(int64(id), 10)), 0600); err != nil {
		return err
	}
	d.clusterID = id
	return nil
}

// NextShard assigns the next shard in round-robin order and ensures its
// directory exists.
func (d *DataDir) NextShard() (uint64, error) {
	d.mu.Lock()
	shard := d.currentShard
	d.currentShard = (d.currentShard + 1) % d.maxShardNum
	d.mu.Unlock()

	if err := os.MkdirAll(d.ShardDir(shard), 0700); err != nil {
		return 0, errors.Wrapf(err, "unable to create shard directory %s", d.ShardDir(shard))
	}
	return shard, nil
}

// ShardDir returns the directory of one shard.
func (d *DataDir) ShardDir(shardID uint64) string {
	return filepath.Join(d.path, DataPrefix, strconv.FormatUint(shardID, 10))
}

// TabletDir returns the directory holding all schema hashes of a tablet.
func (d *DataDir) TabletDir(shardID uint64, tabletID int64) string {
	return filepath.Join(d.ShardDir(shardID), strconv.FormatInt(tabletID, 10))
}

// SchemaHashDir returns the directory of one tablet instance.
func (d *DataDir) SchemaHashDir(shardID uint64, tabletID int64, schemaHash int32) string {
	return filepath.Join(d.TabletDir(shardID, tabletID), strconv.FormatInt(int64(schemaHash), 10))
}

// AddPendingID marks a creation in progress so concurrent path scans do
// not treat the half-built directory as garbage.
func (d *DataDir) AddPendingID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingIDs[id] = struct{}{}
}

// RemovePendingID clears a pending marker.
func (d *DataDir) RemovePendingID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pendingIDs, id)
}

// HasPendingID reports whether a creation is in progress for id.
func (d *DataDir) HasPendingID(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pendingIDs[id]
	return ok
}

// RegisterTablet records a tablet as living on this dir.
func (d *DataDir) RegisterTablet(key TabletKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tablets[key] = struct{}{}
}

// DeregisterTablet removes a tablet from the dir's set.
func (d *DataDir) DeregisterTablet(key TabletKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tablets, key)
}

// HasTablet reports whether a tablet is registered on this dir.
func (d *DataDir) HasTablet(key TabletKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tablets[key]
	return ok
}

// RegisteredTablets returns a snapshot of the dir's tablet set.
func (d *DataDir) RegisteredTablets() []TabletKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]TabletKey, 0, len(d.tablets))
	for k := range d.tablets {
		keys = append(keys, k)
	}
	return keys
}

// MoveToTrash moves a tablet instance directory into the trash area under
// a timestamped label: {root}/trash/{label}/{tablet_id}/{schema_hash}.
// The sweeper empties the trash out of band.
func (d *DataDir) MoveToTrash(src string, tabletID int64, schemaHash int32) (string, error) {
	label := d.clock.Now().UTC().Format(trashTimeLabelFormat)
	dest := filepath.Join(d.path, TrashPrefix, label,
		strconv.FormatInt(tabletID, 10), strconv.FormatInt(int64(schemaHash), 10))
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return "", errors.Wrapf(err, "unable to create trash directory %s", filepath.Dir(dest))
	}
	if _, err := os.Stat(dest); err == nil {
		// A sweep within the same second already placed this instance.
		dest = dest + "." + strconv.FormatUint(uint64(d.clock.Now().UnixNano()), 10)
	}
	if err := os.Rename(src, dest); err != nil {
		return "", errors.Wrapf(err, "unable to move %s to trash", src)
	}
	return dest, nil
}

// FindTabletInTrash returns the trashed instance directories of a tablet.
func (d *DataDir) FindTabletInTrash(tabletID int64) []string {
	trashRoot := filepath.Join(d.path, TrashPrefix)
	labels, err := os.ReadDir(trashRoot)
	if err != nil {
		return nil
	}
	var found []string
	want := strconv.FormatInt(tabletID, 10)
	for _, label := range labels {
		if !label.IsDir() {
			continue
		}
		tabletDir := filepath.Join(trashRoot, label.Name(), want)
		hashes, err := os.ReadDir(tabletDir)
		if err != nil {
			continue
		}
		for _, h := range hashes {
			found = append(found, filepath.Join(tabletDir, h.Name()))
		}
	}
	return found
}
