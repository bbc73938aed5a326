package tablet

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// headerPath returns the header snapshot file of a tablet inside dir.
func headerPath(dir string, tabletID int64) string {
	return filepath.Join(dir, strconv.FormatInt(tabletID, 10)+HeaderFileSuffix)
}

// Tablet is one registered instance of a sharded, versioned partition.
// The embedded mutex is the tablet's header lock: it guards the meta and
// the rowset set and is always acquired after the registry lock when both
// are needed.
type Tablet struct {
	mu      sync.RWMutex
	meta    *TabletMeta
	rowsets map[Version]*Rowset

	dataDir *DataDir
	path    string

	refs        atomic.Int32
	initialized atomic.Bool
}

// newTablet constructs an in-memory tablet from its meta. Init must be
// called before the tablet serves reads.
func newTablet(meta *TabletMeta, dataDir *DataDir) (*Tablet, error) {
	if meta == nil || dataDir == nil {
		return nil, errors.Wrap(ErrCreateFromMeta, "nil meta or data dir")
	}
	t := &Tablet{
		meta:    meta,
		rowsets: make(map[Version]*Rowset),
		dataDir: dataDir,
		path:    dataDir.SchemaHashDir(meta.ShardID, meta.TabletID, meta.SchemaHash),
	}
	t.refs.Store(1)
	return t, nil
}

// Init validates the meta and indexes the rowsets. It is idempotent.
func (t *Tablet) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized.Load() {
		return nil
	}
	rowsets := make(map[Version]*Rowset, len(t.meta.Rowsets))
	for _, rm := range t.meta.Rowsets {
		if _, ok := rowsets[rm.Version]; ok {
			return errors.Wrapf(ErrTabletInvalid, "duplicate rowset version %s", rm.Version)
		}
		rowsets[rm.Version] = newRowset(rm, t.path)
	}
	t.rowsets = rowsets
	t.initialized.Store(true)
	return nil
}

// InitSucceeded reports whether Init has completed.
func (t *Tablet) InitSucceeded() bool { return t.initialized.Load() }

// Retain takes a shared reference on the tablet. Long-lived borrowers
// (compaction jobs, readers held across registry operations) pair it with
// Release; the trash sweeper only reclaims a shutdown tablet once every
// borrowed reference is gone.
func (t *Tablet) Retain() { t.refs.Add(1) }

// Release drops a shared reference.
func (t *Tablet) Release() { t.refs.Add(-1) }

// Refs returns the current reference count.
func (t *Tablet) Refs() int32 { return t.refs.Load() }

// TabletID returns the tablet id.
func (t *Tablet) TabletID() int64 { return t.meta.TabletID }

// SchemaHash returns the schema hash of this instance.
func (t *Tablet) SchemaHash() int32 { return t.meta.SchemaHash }

// Key returns the instance identity.
func (t *Tablet) Key() TabletKey {
	return TabletKey{TabletID: t.meta.TabletID, SchemaHash: t.meta.SchemaHash}
}

// TableID returns the owning logical table.
func (t *Tablet) TableID() int64 { return t.meta.TableID }

// PartitionID returns the owning partition.
func (t *Tablet) PartitionID() int64 { return t.meta.PartitionID }

// ShardID returns the shard the tablet lives in on its data dir.
func (t *Tablet) ShardID() uint64 { return t.meta.ShardID }

// DataDir returns the dir holding the tablet's files.
func (t *Tablet) DataDir() *DataDir { return t.dataDir }

// Path returns the tablet's schema-hash directory.
func (t *Tablet) Path() string { return t.path }

// Equal reports whether this instance has the given identity.
func (t *Tablet) Equal(tabletID int64, schemaHash int32) bool {
	return t.meta.TabletID == tabletID && t.meta.SchemaHash == schemaHash
}

// CreationTime returns the creation time in unix seconds.
func (t *Tablet) CreationTime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.CreationTime
}

// SetCreationTime overrides the creation time. Used to keep a schema-change
// tablet strictly newer than its base.
func (t *Tablet) SetCreationTime(seconds int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.CreationTime = seconds
}

// State returns the lifecycle state.
func (t *Tablet) State() TabletState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.State
}

// SetState updates the lifecycle state in memory. The caller persists the
// meta separately; other holders of the tablet may save the meta too, so
// state always flows through the tablet object rather than a detached meta.
func (t *Tablet) SetState(state TabletState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.State = state
}

// Schema returns a snapshot of the tablet schema.
func (t *Tablet) Schema() TabletSchema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.meta.Schema
	s.Columns = append([]ColumnMeta(nil), t.meta.Schema.Columns...)
	return s
}

// NextUniqueID returns the next column unique id to assign.
func (t *Tablet) NextUniqueID() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.Schema.NextUniqueID
}

// AlterTask returns a copy of the tablet's alter task, or nil.
func (t *Tablet) AlterTask() *AlterTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.meta.AlterTask == nil {
		return nil
	}
	task := *t.meta.AlterTask
	return &task
}

// SetAlterTask installs an alter task.
func (t *Tablet) SetAlterTask(task *AlterTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.AlterTask = task
}

// SetAlterState updates the state of an installed alter task.
func (t *Tablet) SetAlterState(state AlterState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta.AlterTask != nil {
		t.meta.AlterTask.State = state
	}
}

func (t *Tablet) deleteAlterTaskLocked() {
	t.meta.AlterTask = nil
}

// NextRowsetID allocates a rowset id unique within the tablet.
func (t *Tablet) NextRowsetID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.NextRowsetID++
	return t.meta.NextRowsetID
}

// AddRowset installs a rowset into the tablet.
func (t *Tablet) AddRowset(rs *Rowset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rowsets[rs.Version()]; ok {
		return errors.Wrapf(ErrInvalidParameter, "rowset version %s already present", rs.Version())
	}
	t.rowsets[rs.Version()] = rs
	t.meta.Rowsets = append(t.meta.Rowsets, rs.Meta())
	return nil
}

// MaxVersionRowset returns the rowset with the highest end version, or nil.
func (t *Tablet) MaxVersionRowset() *Rowset {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxVersionRowsetLocked()
}

func (t *Tablet) maxVersionRowsetLocked() *Rowset {
	var max *Rowset
	for _, rs := range t.rowsets {
		if max == nil || rs.Version().End > max.Version().End {
			max = rs
		}
	}
	return max
}

// MaxVersion returns the highest end version, or -1 when the tablet holds
// no rowsets.
func (t *Tablet) MaxVersion() int64 {
	if rs := t.MaxVersionRowset(); rs != nil {
		return rs.Version().End
	}
	return -1
}

// MaxContinuousVersion returns the largest version range [0, n] fully
// covered by rowsets starting from version zero, with the version hash of
// its last rowset.
func (t *Tablet) MaxContinuousVersion() (Version, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metas := make([]*RowsetMeta, 0, len(t.rowsets))
	for _, rs := range t.rowsets {
		metas = append(metas, rs.Meta())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Version.Start < metas[j].Version.Start })

	version := Version{Start: -1, End: -1}
	var hash uint64
	end := int64(-1)
	for _, rm := range metas {
		if rm.Version.Start != end+1 {
			break
		}
		end = rm.Version.End
		version = Version{Start: 0, End: end}
		hash = rm.VersionHash
	}
	return version, hash
}

// VersionCount returns the number of rowsets held by the tablet.
func (t *Tablet) VersionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rowsets)
}

// NumRows returns the total row count of the tablet.
func (t *Tablet) NumRows() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, rs := range t.rowsets {
		n += rs.NumRows()
	}
	return n
}

// Footprint returns the on-disk data size of the tablet in bytes.
func (t *Tablet) Footprint() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, rs := range t.rowsets {
		n += rs.DataSize()
	}
	return n
}

// CumulativeLayerPoint returns the boundary between base and cumulative
// rowsets.
func (t *Tablet) CumulativeLayerPoint() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.CumulativeLayerPoint
}

// SetCumulativeLayerPoint moves the base/cumulative boundary.
func (t *Tablet) SetCumulativeLayerPoint(version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.CumulativeLayerPoint = version
}

// CanCompact reports whether the tablet is eligible for compaction at all.
func (t *Tablet) CanCompact() bool {
	return t.initialized.Load() && t.State() == TabletStateNormal
}

// BaseCompactionScore counts the rowsets below the cumulative layer point
// beyond the single base rowset. It takes the header read lock itself, so
// callers must not hold the header lock.
func (t *Tablet) BaseCompactionScore() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n uint32
	for _, rs := range t.rowsets {
		if rs.Version().End < t.meta.CumulativeLayerPoint {
			n++
		}
	}
	if n > 0 {
		n--
	}
	return n
}

// CumulativeCompactionScore sums the segment counts of rowsets at or above
// the cumulative layer point.
func (t *Tablet) CumulativeCompactionScore() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n uint32
	for _, rs := range t.rowsets {
		if rs.Version().Start >= t.meta.CumulativeLayerPoint {
			n += uint32(rs.Meta().NumSegments)
		}
	}
	return n
}

// DeleteExpiredIncRowsets prunes incremental rowsets older than expire and
// removes their segment files. Returns the number pruned; the caller saves
// the meta when the count is non-zero.
func (t *Tablet) DeleteExpiredIncRowsets(now time.Time, expire time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := now.Add(-expire).Unix()
	kept := t.meta.IncRowsets[:0]
	removed := 0
	for _, rm := range t.meta.IncRowsets {
		if rm.CreationTime > deadline {
			kept = append(kept, rm)
			continue
		}
		rs := newRowset(rm, t.path)
		if err := rs.RemoveFiles(); err != nil {
			// keep the meta so the next sweep retries the delete
			kept = append(kept, rm)
			continue
		}
		removed++
	}
	t.meta.IncRowsets = kept
	return removed
}

// SaveMeta persists the tablet's meta to its data dir's meta store.
func (t *Tablet) SaveMeta(ctx context.Context) error {
	t.mu.RLock()
	blob, err := t.meta.MarshalBinary()
	t.mu.RUnlock()
	if err != nil {
		return err
	}
	return t.dataDir.MetaStore().SaveTabletMeta(ctx, t.meta.TabletID, t.meta.SchemaHash, blob)
}

func (t *Tablet) saveMetaLocked(ctx context.Context) error {
	blob, err := t.meta.MarshalBinary()
	if err != nil {
		return err
	}
	return t.dataDir.MetaStore().SaveTabletMeta(ctx, t.meta.TabletID, t.meta.SchemaHash, blob)
}

// SnapshotMeta writes the tablet's header file into dir:
// {dir}/{tablet_id}.hdr.
func (t *Tablet) SnapshotMeta(dir string) error {
	t.mu.RLock()
	blob, err := t.meta.MarshalBinary()
	t.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(headerPath(dir, t.meta.TabletID), blob, 0600)
}

// DeleteAllFiles removes the tablet's instance directory and, when this
// was the last instance, the enclosing tablet directory.
func (t *Tablet) DeleteAllFiles() error {
	if err := os.RemoveAll(t.path); err != nil {
		return err
	}
	// best effort: only succeeds once no other schema hash remains
	_ = os.Remove(t.dataDir.TabletDir(t.meta.ShardID, t.meta.TabletID))
	return nil
}
