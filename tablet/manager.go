// Package tablet implements the in-memory tablet registry and lifecycle
// controller of the granite storage engine: creation, deletion, schema
// change coupling, durable meta coordination, compaction candidate
// selection and the deferred trash sweeper.
package tablet

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/granitedb/granite/logger"
)

// CompactionKind selects which compaction score drives candidate selection.
type CompactionKind int

const (
	BaseCompaction CompactionKind = iota
	CumulativeCompaction
)

func (k CompactionKind) String() string {
	switch k {
	case BaseCompaction:
		return "base"
	case CumulativeCompaction:
		return "cumulative"
	default:
		return "unknown"
	}
}

// CreateTabletRequest describes a tablet to create. Column unique ids in
// the schema are assigned by the manager.
type CreateTabletRequest struct {
	TabletID    int64
	TableID     int64
	PartitionID int64
	Schema      TabletSchema
	Version     int64
	VersionHash uint64
}

// bucket groups the instances sharing one tablet id. The embedded mutex is
// the per-tablet-id schema change lock; it serializes schema change jobs
// against the same base tablet and is only try-acquired.
type bucket struct {
	schemaChangeMu sync.Mutex
	tablets        []*Tablet // ascending by creation time
}

// Manager is the tablet registry. All structural changes to the registry
// map go through the manager's lock; per-instance mutations additionally
// take the instance's header lock.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *managerMetrics
	clock   clock.Clock
	txns    TxnSource

	mu              sync.RWMutex
	tablets         map[int64]*bucket
	shutdownTablets []*Tablet
	unusedRowsets   []*Rowset

	statCache          map[int64]TabletStat
	statCacheUpdatedAt time.Time

	mediumTypeCount int
}

// NewManager returns a manager with the given configuration.
func NewManager(c Config) *Manager {
	return &Manager{
		cfg:       c,
		logger:    zap.NewNop(),
		metrics:   newManagerMetrics(),
		clock:     clock.New(),
		tablets:   make(map[int64]*bucket),
		statCache: make(map[int64]TabletStat),
	}
}

// WithLogger sets the logger on the manager.
func (m *Manager) WithLogger(log *zap.Logger) {
	m.logger = log.With(zap.String("service", "tablet_manager"))
}

// opLogger returns the request-scoped logger attached to ctx, falling
// back to the manager's own. Periodic tasks (trash sweep, boot-time load)
// run on externally-owned threads and carry their operation logger in the
// context.
func (m *Manager) opLogger(ctx context.Context) *zap.Logger {
	if log := logger.FromContext(ctx); log != nil {
		return log.With(zap.String("service", "tablet_manager"))
	}
	return m.logger
}

// SetTxnSource wires the transaction manager used for expired transaction
// reporting.
func (m *Manager) SetTxnSource(src TxnSource) {
	m.txns = src
}

// Clear drops all in-memory state. Used on engine shutdown and in tests;
// durable metas and files are untouched.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tablets = make(map[int64]*bucket)
	m.shutdownTablets = nil
	m.unusedRowsets = nil
	m.statCache = make(map[int64]TabletStat)
	m.statCacheUpdatedAt = time.Time{}
}

func pendingID(tabletID int64) string {
	return TabletIDPrefix + strconv.FormatInt(tabletID, 10)
}

// CreateTablet creates a fresh tablet on the first data dir that can host
// it. The operation is idempotent: an exact (tablet id, schema hash)
// duplicate returns success, while the same id under a different schema
// hash fails with ErrTabletIDExists.
func (m *Manager) CreateTablet(ctx context.Context, req *CreateTabletRequest, dirs []*DataDir) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.createRequests.Inc()
	m.logger.Info("Creating tablet",
		logger.TabletID(req.TabletID), logger.SchemaHash(req.Schema.SchemaHash))

	if m.tabletIDExistsUnlocked(req.TabletID) {
		if m.getTabletUnlocked(req.TabletID, req.Schema.SchemaHash) != nil {
			m.logger.Info("Tablet already exists, create is a no-op",
				logger.TabletID(req.TabletID), logger.SchemaHash(req.Schema.SchemaHash))
			return nil
		}
		m.metrics.createFailures.Inc()
		return ErrTabletIDExists
	}

	if _, err := m.internalCreateTablet(ctx, req, false, nil, dirs); err != nil {
		return err
	}
	return nil
}

// CreateSchemaChangeTablet creates the derived tablet of a schema change
// or rollup, coupled to ref. No initial rowset is built; the schema change
// job populates the tablet afterwards.
func (m *Manager) CreateSchemaChangeTablet(ctx context.Context, req *CreateTabletRequest, ref *Tablet, dirs []*DataDir) (*Tablet, error) {
	if ref == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "schema change tablet needs a ref tablet")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.internalCreateTablet(ctx, req, true, ref, dirs)
}

func (m *Manager) internalCreateTablet(ctx context.Context, req *CreateTabletRequest, isSchemaChange bool, ref *Tablet, dirs []*DataDir) (*Tablet, error) {
	if existing := m.getTabletUnlocked(req.TabletID, req.Schema.SchemaHash); existing != nil {
		m.metrics.createFailures.Inc()
		return nil, ErrTabletExists
	}

	t, err := m.createTabletMetaAndDir(req, isSchemaChange, ref, dirs)
	if err != nil {
		m.metrics.createFailures.Inc()
		return nil, err
	}

	added := false
	err = func() error {
		if err := t.Init(); err != nil {
			return err
		}
		if !isSchemaChange {
			if err := m.createInitialRowset(ctx, t, req); err != nil {
				return err
			}
		} else if t.CreationTime() <= ref.CreationTime() {
			// OS clock jumps and 1-second granularity can make the derived
			// tablet look no newer than its base; ordering must stay strict.
			m.logger.Warn("Derived tablet not newer than ref, bumping creation time",
				logger.TabletID(req.TabletID),
				zap.Int64("creation_time", t.CreationTime()),
				zap.Int64("ref_creation_time", ref.CreationTime()))
			t.SetCreationTime(ref.CreationTime() + 1)
		}
		if err := m.addTabletUnlocked(ctx, req.TabletID, req.Schema.SchemaHash, t, true, false); err != nil {
			return err
		}
		added = true
		if m.getTabletUnlocked(req.TabletID, req.Schema.SchemaHash) == nil {
			return ErrTabletNotFound
		}
		return nil
	}()

	// The pending mark comes off whether or not creation succeeded.
	t.DataDir().RemovePendingID(pendingID(req.TabletID))

	if err != nil {
		m.metrics.createFailures.Inc()
		if added {
			if derr := m.dropTabletUnlocked(ctx, req.TabletID, req.Schema.SchemaHash, false); derr != nil {
				m.logger.Warn("Cleanup drop after failed create failed",
					logger.TabletID(req.TabletID), zap.Error(derr))
			}
		} else {
			if derr := t.DeleteAllFiles(); derr != nil {
				m.logger.Warn("Cleanup of tablet files after failed create failed",
					logger.TabletID(req.TabletID), zap.Error(derr))
			}
			if derr := t.DataDir().MetaStore().RemoveTabletMeta(ctx, req.TabletID, req.Schema.SchemaHash); derr != nil {
				m.logger.Warn("Cleanup of tablet meta after failed create failed",
					logger.TabletID(req.TabletID), zap.Error(derr))
			}
		}
		return nil, err
	}

	m.logger.Info("Created tablet",
		logger.TabletID(req.TabletID), logger.SchemaHash(req.Schema.SchemaHash),
		logger.Shard(t.ShardID()), logger.DataDir(t.DataDir().Path()))
	return t, nil
}

// createTabletMetaAndDir walks the candidate dirs in order, materializing
// the meta and the schema-hash directory on the first dir where every step
// succeeds.
func (m *Manager) createTabletMetaAndDir(req *CreateTabletRequest, isSchemaChange bool, ref *Tablet, dirs []*DataDir) (*Tablet, error) {
	var lastErr error
	var lastDir *DataDir
	for _, dir := range dirs {
		if lastDir != nil {
			// the previous candidate failed after marking the id pending
			lastDir.RemovePendingID(pendingID(req.TabletID))
		}
		lastDir = dir

		shardID, err := dir.NextShard()
		if err != nil {
			m.logger.Warn("Unable to assign shard", logger.DataDir(dir.Path()), zap.Error(err))
			lastErr = err
			continue
		}
		meta := m.newTabletMeta(req, shardID, isSchemaChange, ref)

		schemaHashDir := dir.SchemaHashDir(shardID, req.TabletID, req.Schema.SchemaHash)
		if _, err := os.Stat(schemaHashDir); os.IsNotExist(err) {
			dir.AddPendingID(pendingID(req.TabletID))
			if err := os.MkdirAll(schemaHashDir, 0700); err != nil {
				m.logger.Warn("Unable to create tablet directory",
					zap.String("path", schemaHashDir), zap.Error(err))
				lastErr = err
				continue
			}
		}

		t, err := newTablet(meta, dir)
		if err != nil {
			m.logger.Warn("Unable to construct tablet from meta",
				logger.DataDir(dir.Path()), zap.Error(err))
			if rerr := os.RemoveAll(dir.TabletDir(shardID, req.TabletID)); rerr != nil {
				m.logger.Warn("Unable to remove tablet directory",
					zap.String("path", dir.TabletDir(shardID, req.TabletID)), zap.Error(rerr))
			}
			lastErr = err
			continue
		}
		return t, nil
	}
	if lastDir != nil {
		// the last candidate failed too
		lastDir.RemovePendingID(pendingID(req.TabletID))
	}
	if lastErr == nil {
		lastErr = errors.Wrap(ErrInvalidCreateRequest, "no data dir available")
	}
	return nil, lastErr
}

// newTabletMeta builds the meta for a create request, assigning column
// unique ids. A fresh tablet numbers columns by ordinal; a schema change
// tablet inherits unique ids from ref by column name and allocates new ids
// from ref's next unique id.
func (m *Manager) newTabletMeta(req *CreateTabletRequest, shardID uint64, isSchemaChange bool, ref *Tablet) *TabletMeta {
	cols := append([]ColumnMeta(nil), req.Schema.Columns...)
	var next uint32
	if !isSchemaChange {
		for i := range cols {
			cols[i].UniqueID = uint32(i)
		}
		next = uint32(len(cols))
	} else {
		next = ref.NextUniqueID()
		refSchema := ref.Schema()
		for i := range cols {
			if rc, ok := refSchema.Column(cols[i].Name); ok {
				cols[i].UniqueID = rc.UniqueID
			} else {
				cols[i].UniqueID = next
				next++
			}
		}
	}
	return &TabletMeta{
		TableID:      req.TableID,
		PartitionID:  req.PartitionID,
		TabletID:     req.TabletID,
		SchemaHash:   req.Schema.SchemaHash,
		ShardID:      shardID,
		CreationTime: m.clock.Now().Unix(),
		State:        TabletStateNormal,
		Schema: TabletSchema{
			SchemaHash:   req.Schema.SchemaHash,
			Columns:      cols,
			NextUniqueID: next,
		},
	}
}

// createInitialRowset writes the empty rowset covering versions
// [0, req.Version] into a fresh tablet and persists the meta.
func (m *Manager) createInitialRowset(ctx context.Context, t *Tablet, req *CreateTabletRequest) error {
	if req.Version < 1 {
		return errors.Wrap(ErrInvalidCreateRequest, "initial version must be at least 1")
	}

	schema := t.Schema()
	wctx := RowsetWriterContext{
		RowsetID:     t.NextRowsetID(),
		TabletID:     t.TabletID(),
		PartitionID:  t.PartitionID(),
		SchemaHash:   t.SchemaHash(),
		RowsetType:   RowsetTypeAlpha,
		PathPrefix:   t.Path(),
		Schema:       &schema,
		RowsetState:  RowsetStateVisible,
		DataDir:      t.DataDir(),
		Version:      Version{Start: 0, End: req.Version},
		VersionHash:  req.VersionHash,
		CreationTime: m.clock.Now().Unix(),
	}
	w, err := NewRowsetWriter(wctx)
	if err != nil {
		return err
	}

	err = func() error {
		if err := w.Flush(); err != nil {
			return err
		}
		rs, err := w.Build()
		if err != nil {
			return err
		}
		return t.AddRowset(rs)
	}()
	if err != nil {
		if partial := w.PartialRowset(); partial != nil {
			m.unusedRowsets = append(m.unusedRowsets, partial)
		}
		return errors.Wrapf(err, "unable to create initial rowset for tablet %d", t.TabletID())
	}

	m.logger.Debug("Created initial rowset",
		logger.TabletID(t.TabletID()), logger.RowsetID(wctx.RowsetID),
		zap.Int64("end_version", req.Version))

	t.SetCumulativeLayerPoint(req.Version + 1)
	return t.SaveMeta(ctx)
}

// AddUnusedRowset hands a rowset to the sweeper for deferred file removal.
func (m *Manager) AddUnusedRowset(rs *Rowset) {
	if rs == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unusedRowsets = append(m.unusedRowsets, rs)
}

// addTabletUnlocked installs a tablet, applying the duplicate and
// replacement rules. force replaces unconditionally and keeps the old
// instance's files (restore path: the on-disk files were already swapped).
func (m *Manager) addTabletUnlocked(ctx context.Context, tabletID int64, schemaHash int32, t *Tablet, updateMeta, force bool) error {
	existing := m.getTabletUnlocked(tabletID, schemaHash)
	if existing == nil {
		return m.addTabletToMapUnlocked(ctx, t, updateMeta, false, false)
	}

	if !force {
		if existing.Path() == t.Path() {
			m.logger.Warn("Adding the same tablet twice",
				logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
			return ErrTabletExists
		}
		if existing.DataDir() == t.DataDir() {
			m.logger.Warn("Adding tablet with the same data dir twice",
				logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
			return ErrTabletExists
		}
	}

	oldRS := existing.MaxVersionRowset()
	newRS := t.MaxVersionRowset()
	if newRS == nil {
		// A duplicate without any version cannot be compared; a schema
		// change tablet only collides after its base was dropped.
		m.logger.DPanic("New duplicate tablet has no version",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
		return ErrTabletExists
	}
	oldVersion, oldTime := int64(-1), int64(-1)
	if oldRS != nil {
		oldVersion, oldTime = oldRS.Version().End, oldRS.CreationTime()
	}
	newVersion, newTime := newRS.Version().End, newRS.CreationTime()

	keepFiles := force
	var err error
	if force || newVersion > oldVersion || (newVersion == oldVersion && newTime > oldTime) {
		err = m.addTabletToMapUnlocked(ctx, t, updateMeta, keepFiles, true)
	} else {
		err = ErrTabletExists
	}

	dupLog := m.logger.Warn
	if force && err == nil {
		dupLog = m.logger.Info
	}
	dupLog("Added duplicated tablet",
		logger.TabletID(tabletID), logger.SchemaHash(schemaHash),
		zap.Bool("force", force),
		zap.Int64("old_version", oldVersion), zap.Int64("new_version", newVersion),
		zap.Int64("old_time", oldTime), zap.Int64("new_time", newTime),
		zap.String("old_path", existing.Path()), zap.String("new_path", t.Path()),
		zap.Error(err))
	return err
}

func (m *Manager) addTabletToMapUnlocked(ctx context.Context, t *Tablet, updateMeta, keepFiles, dropOld bool) error {
	if updateMeta {
		if err := t.SaveMeta(ctx); err != nil {
			return errors.Wrapf(err, "unable to save meta of tablet %d", t.TabletID())
		}
	}
	if dropOld {
		if err := m.dropTabletUnlocked(ctx, t.TabletID(), t.SchemaHash(), keepFiles); err != nil {
			return errors.Wrapf(err, "unable to drop old tablet %d", t.TabletID())
		}
	}
	// Register with the data dir so a failing disk can unregister all of
	// its tablets from the device's perspective.
	t.DataDir().RegisterTablet(t.Key())

	b := m.tablets[t.TabletID()]
	if b == nil {
		b = &bucket{}
		m.tablets[t.TabletID()] = b
	}
	b.tablets = append(b.tablets, t)
	sort.SliceStable(b.tablets, func(i, j int) bool {
		return b.tablets[i].CreationTime() < b.tablets[j].CreationTime()
	})
	return nil
}

// DropTablet removes a tablet from the registry. Absent tablets drop
// successfully. With keepFiles the instance leaves the registry without
// entering the shutdown queue and its durable meta stays NORMAL; a restart
// will load it again.
func (m *Manager) DropTablet(ctx context.Context, tabletID int64, schemaHash int32, keepFiles bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropTabletUnlocked(ctx, tabletID, schemaHash, keepFiles)
}

// dropTabletUnlocked handles the schema change coupling around a drop:
// a base tablet under an unfinished schema change cannot be dropped; any
// other coupled drop first clears the peer's alter task.
func (m *Manager) dropTabletUnlocked(ctx context.Context, tabletID int64, schemaHash int32, keepFiles bool) error {
	m.metrics.dropRequests.Inc()
	m.logger.Info("Dropping tablet",
		logger.TabletID(tabletID), logger.SchemaHash(schemaHash), zap.Bool("keep_files", keepFiles))

	dropped := m.getTabletUnlocked(tabletID, schemaHash)
	if dropped == nil {
		m.logger.Warn("Tablet to drop does not exist",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
		return nil
	}

	task := dropped.AlterTask()
	if task == nil {
		return m.dropTabletDirectlyUnlocked(ctx, tabletID, schemaHash, keepFiles)
	}

	related := m.getTabletUnlocked(task.RelatedTabletID, task.RelatedSchemaHash)
	if related == nil || related == dropped {
		m.logger.Warn("Related tablet not found, dropping directly",
			logger.TabletID(task.RelatedTabletID), logger.SchemaHash(task.RelatedSchemaHash))
		return m.dropTabletDirectlyUnlocked(ctx, tabletID, schemaHash, keepFiles)
	}

	isBase := dropped.CreationTime() < related.CreationTime()
	if isBase && task.State != AlterStateFinished {
		m.logger.Warn("Base tablet under unfinished schema change cannot be dropped",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
		return ErrSchemaChangeInProgress
	}

	// Break the coupling before dropping: the peer's alter task is cleared
	// and persisted first, so the peer never points at a tablet that has
	// already been dropped.
	related.mu.Lock()
	defer related.mu.Unlock()
	savedTask := related.meta.AlterTask
	related.deleteAlterTaskLocked()
	if err := related.saveMetaLocked(ctx); err != nil {
		related.meta.AlterTask = savedTask
		return errors.Wrapf(err, "unable to save meta of related tablet %d", related.TabletID())
	}

	return m.dropTabletDirectlyUnlocked(ctx, tabletID, schemaHash, keepFiles)
}

func (m *Manager) dropTabletDirectlyUnlocked(ctx context.Context, tabletID int64, schemaHash int32, keepFiles bool) error {
	dropped := m.getTabletUnlocked(tabletID, schemaHash)
	if dropped == nil {
		m.logger.Warn("Direct drop of missing tablet",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
		return ErrTabletNotFound
	}

	if !keepFiles {
		m.logger.Info("Moving tablet to shutdown state",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash),
			zap.String("path", dropped.Path()))
		// State flows through the tablet object: another holder saving its
		// meta must persist SHUTDOWN too, or the tablet would come back at
		// restart.
		dropped.SetState(TabletStateShutdown)
		if err := dropped.SaveMeta(ctx); err != nil {
			dropped.SetState(TabletStateNormal)
			return errors.Wrapf(err, "unable to persist shutdown of tablet %d", tabletID)
		}
	}

	b := m.tablets[tabletID]
	kept := b.tablets[:0]
	for _, t := range b.tablets {
		if !t.Equal(tabletID, schemaHash) {
			kept = append(kept, t)
			continue
		}
		if !keepFiles {
			m.shutdownTablets = append(m.shutdownTablets, t)
		}
	}
	b.tablets = kept
	if len(b.tablets) == 0 {
		delete(m.tablets, tabletID)
	}

	dropped.DataDir().DeregisterTablet(dropped.Key())
	return nil
}

// DropTabletsOnError removes tablets from the registry after their data
// dir failed. Files and durable metas are left to the failed device.
func (m *Manager) DropTabletsOnError(infos []TabletKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range infos {
		b := m.tablets[info.TabletID]
		if b == nil {
			m.logger.Warn("Tablet to drop on error path does not exist",
				logger.TabletID(info.TabletID), logger.SchemaHash(info.SchemaHash))
			continue
		}
		kept := b.tablets[:0]
		for _, t := range b.tablets {
			if !t.Equal(info.TabletID, info.SchemaHash) {
				kept = append(kept, t)
			}
		}
		b.tablets = kept
		if len(b.tablets) == 0 {
			delete(m.tablets, info.TabletID)
		}
	}
	return nil
}

// GetTablet returns the registered tablet, or nil when absent or when its
// data dir is failed.
func (m *Manager) GetTablet(tabletID int64, schemaHash int32) *Tablet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usableTablet(m.getTabletUnlocked(tabletID, schemaHash))
}

// GetTabletIncludeDeleted additionally consults the shutdown queue.
func (m *Manager) GetTabletIncludeDeleted(tabletID int64, schemaHash int32) *Tablet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.getTabletUnlocked(tabletID, schemaHash)
	if t == nil {
		for _, st := range m.shutdownTablets {
			if st.Equal(tabletID, schemaHash) {
				t = st
				break
			}
		}
	}
	return m.usableTablet(t)
}

func (m *Manager) usableTablet(t *Tablet) *Tablet {
	if t == nil {
		return nil
	}
	if !t.DataDir().IsUsed() {
		m.logger.Warn("Tablet lives on a failed data dir", logger.TabletID(t.TabletID()))
		return nil
	}
	return t
}

func (m *Manager) getTabletUnlocked(tabletID int64, schemaHash int32) *Tablet {
	b := m.tablets[tabletID]
	if b == nil {
		return nil
	}
	for _, t := range b.tablets {
		if t.Equal(tabletID, schemaHash) {
			return t
		}
	}
	return nil
}

// TabletIDExists reports whether any instance is registered under the id.
func (m *Manager) TabletIDExists(tabletID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tabletIDExistsUnlocked(tabletID)
}

func (m *Manager) tabletIDExistsUnlocked(tabletID int64) bool {
	b := m.tablets[tabletID]
	return b != nil && len(b.tablets) > 0
}

// TabletCount returns the number of registered instances.
func (m *Manager) TabletCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.tablets {
		n += len(b.tablets)
	}
	return n
}

// TrySchemaChangeLock attempts the per-tablet-id schema change lock.
// Returns true iff acquired; the caller must pair a successful try with
// ReleaseSchemaChangeLock.
func (m *Manager) TrySchemaChangeLock(tabletID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.tablets[tabletID]
	if b == nil {
		m.logger.Warn("Schema change lock on missing tablet", logger.TabletID(tabletID))
		return false
	}
	return b.schemaChangeMu.TryLock()
}

// ReleaseSchemaChangeLock releases a previously acquired schema change lock.
func (m *Manager) ReleaseSchemaChangeLock(tabletID int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.tablets[tabletID]
	if b == nil {
		m.logger.Warn("Schema change unlock on missing tablet", logger.TabletID(tabletID))
		return
	}
	b.schemaChangeMu.Unlock()
}

// LoadTabletFromMeta deserializes a persisted meta and installs the tablet
// in the registry. A meta already in SHUTDOWN state is queued for sweeping
// instead and ErrTabletDeleted is returned.
func (m *Manager) LoadTabletFromMeta(ctx context.Context, dir *DataDir, tabletID int64, schemaHash int32, blob []byte, updateMeta, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := &TabletMeta{}
	if err := meta.UnmarshalBinary(blob); err != nil {
		m.logger.Warn("Unable to parse tablet meta",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash), zap.Error(err))
		return err
	}

	t, err := newTablet(meta, dir)
	if err != nil {
		return err
	}

	if meta.State == TabletStateShutdown {
		m.logger.Info("Tablet is marked for deletion, queueing for sweep",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
		m.shutdownTablets = append(m.shutdownTablets, t)
		return ErrTabletDeleted
	}

	if meta.MaxVersionRowset() == nil && meta.AlterTask == nil {
		m.logger.Warn("Tablet without versions outside schema change is invalid",
			logger.TabletID(tabletID), logger.SchemaHash(schemaHash))
		return ErrTabletInvalid
	}

	if err := t.Init(); err != nil {
		return err
	}
	return m.addTabletUnlocked(ctx, tabletID, schemaHash, t, updateMeta, force)
}

// LoadTabletFromDir reads the header file inside a schema-hash directory
// and installs the tablet. The shard id is taken from the local path since
// the header may have been copied from another node.
func (m *Manager) LoadTabletFromDir(ctx context.Context, dir *DataDir, tabletID int64, schemaHash int32, schemaHashPath string, force bool) error {
	hdr := headerPath(schemaHashPath, tabletID)
	blob, err := os.ReadFile(hdr)
	if os.IsNotExist(err) {
		m.logger.Warn("Tablet header file not found", zap.String("path", hdr))
		return ErrFileNotExist
	} else if err != nil {
		return errors.Wrapf(ErrLoadTablet, "read %s: %s", hdr, err)
	}

	meta := &TabletMeta{}
	if err := meta.UnmarshalBinary(blob); err != nil {
		return errors.Wrapf(ErrLoadTablet, "parse %s: %s", hdr, err)
	}

	shardDir := filepath.Base(filepath.Dir(filepath.Dir(schemaHashPath)))
	shardID, err := strconv.ParseUint(shardDir, 10, 64)
	if err != nil {
		return errors.Wrapf(ErrLoadTablet, "no shard id in path %s", schemaHashPath)
	}
	meta.ShardID = shardID

	reblob, err := meta.MarshalBinary()
	if err != nil {
		return err
	}
	return m.LoadTabletFromMeta(ctx, dir, tabletID, schemaHash, reblob, true, force)
}

// LoadDataDir installs every tablet persisted in a data dir's meta store.
// Tablets already marked SHUTDOWN go to the sweep queue; individually
// broken tablets are reported but do not stop the load.
func (m *Manager) LoadDataDir(ctx context.Context, dir *DataDir) error {
	log := m.opLogger(ctx)
	type entry struct {
		tabletID   int64
		schemaHash int32
		blob       []byte
	}
	var entries []entry
	if err := dir.MetaStore().ForEachTabletMeta(ctx, func(tabletID int64, schemaHash int32, blob []byte) error {
		entries = append(entries, entry{tabletID, schemaHash, append([]byte(nil), blob...)})
		return nil
	}); err != nil {
		return err
	}

	var (
		errMu  sync.Mutex
		result *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, e := range entries {
		e := e
		g.Go(func() error {
			err := m.LoadTabletFromMeta(ctx, dir, e.tabletID, e.schemaHash, e.blob, false, false)
			if err != nil && !errors.Is(err, ErrTabletDeleted) {
				errMu.Lock()
				result = multierror.Append(result, errors.Wrapf(err, "tablet %d.%d", e.tabletID, e.schemaHash))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Loaded data dir", logger.DataDir(dir.Path()), zap.Int("tablets", len(entries)))
	return result.ErrorOrNil()
}

// CancelUnfinishedSchemaChange fails every half-done schema change found
// at startup. The frontend reissues the request.
func (m *Manager) CancelUnfinishedSchemaChange(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	canceled := 0
	for _, b := range m.tablets {
		for _, t := range b.tablets {
			task := t.AlterTask()
			if task == nil {
				continue
			}
			related := m.getTabletUnlocked(task.RelatedTabletID, task.RelatedSchemaHash)
			if related == nil {
				m.logger.Warn("Tablet created by alter task does not exist",
					logger.TabletID(task.RelatedTabletID), logger.SchemaHash(task.RelatedSchemaHash))
				continue
			}
			relatedTask := related.AlterTask()
			if task.State == AlterStateFinished && relatedTask != nil && relatedTask.State == AlterStateFinished {
				continue
			}

			t.SetAlterState(AlterStateFailed)
			if err := t.SaveMeta(ctx); err != nil {
				return errors.Wrapf(err, "unable to save meta of tablet %d", t.TabletID())
			}
			related.SetAlterState(AlterStateFailed)
			if err := related.SaveMeta(ctx); err != nil {
				return errors.Wrapf(err, "unable to save meta of tablet %d", related.TabletID())
			}
			canceled++
		}
	}
	m.logger.Info("Canceled unfinished schema changes", zap.Int("count", canceled))
	return nil
}

// FindBestTabletToCompact returns the eligible tablet with the highest
// compaction score, or nil. Derived tablets still being populated by a
// schema change are skipped. On ties the first candidate in tablet id
// order wins.
func (m *Manager) FindBestTabletToCompact(kind CompactionKind) *Tablet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.tablets))
	for id := range m.tablets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var best *Tablet
	var highest uint32
	for _, id := range ids {
		for _, t := range m.tablets[id].tablets {
			if task := t.AlterTask(); task != nil &&
				task.State != AlterStateFinished && task.State != AlterStateFailed {
				related := m.getTabletUnlocked(task.RelatedTabletID, task.RelatedSchemaHash)
				if related != nil && t.CreationTime() > related.CreationTime() {
					// the derived side is still being populated
					continue
				}
			}
			if !t.InitSucceeded() || !t.CanCompact() {
				continue
			}

			var score uint32
			switch kind {
			case BaseCompaction:
				score = t.BaseCompactionScore()
			case CumulativeCompaction:
				score = t.CumulativeCompactionScore()
			}
			if score > highest {
				highest = score
				best = t
			}
		}
	}
	return best
}

// StartTrashSweep prunes expired incremental rowsets, reclaims unused
// rowsets, and drains the shutdown queue: confirmed-shutdown tablets are
// snapshotted, moved to trash and their durable meta removed. Every branch
// is best effort; a shutdown tablet or unused rowset that fails stays
// queued and is retried on the next invocation. A failed meta save after
// pruning incremental rowsets is not repeated by the next invocation; the
// pruned state reaches the meta store with the tablet's next meta save.
// The returned error is advisory.
func (m *Manager) StartTrashSweep(ctx context.Context) (int, error) {
	log := m.opLogger(ctx)
	var result *multierror.Error

	m.mu.RLock()
	all := make([]*Tablet, 0, len(m.tablets))
	for _, b := range m.tablets {
		all = append(all, b.tablets...)
	}
	m.mu.RUnlock()

	for _, t := range all {
		if n := t.DeleteExpiredIncRowsets(m.clock.Now(), time.Duration(m.cfg.IncRowsetExpire)); n > 0 {
			if err := t.SaveMeta(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	var remaining []*Tablet
	for _, t := range m.shutdownTablets {
		if t.Refs() > 1 {
			// still borrowed somewhere; try again next sweep
			remaining = append(remaining, t)
			continue
		}

		persisted, err := t.DataDir().MetaStore().TabletMeta(ctx, t.TabletID(), t.SchemaHash())
		if err != nil {
			if dirExists(t.Path()) {
				log.Warn("Unable to read meta of shutdown tablet, keeping files",
					logger.TabletID(t.TabletID()), logger.SchemaHash(t.SchemaHash()), zap.Error(err))
				remaining = append(remaining, t)
			} else {
				log.Info("Shutdown tablet has no meta and no files, dequeueing",
					logger.TabletID(t.TabletID()), logger.SchemaHash(t.SchemaHash()))
			}
			continue
		}

		if persisted.State != TabletStateShutdown {
			log.Warn("Tablet state changed back to normal, skipping removal",
				logger.TabletID(t.TabletID()), logger.SchemaHash(t.SchemaHash()))
			continue
		}

		if dirExists(t.Path()) {
			if err := t.SnapshotMeta(t.Path()); err != nil {
				result = multierror.Append(result, err)
				remaining = append(remaining, t)
				continue
			}
			log.Info("Moving tablet to trash",
				logger.TabletID(t.TabletID()),
				zap.String("path", t.Path()),
				zap.String("size", humanize.Bytes(uint64(t.Footprint()))))
			if _, err := t.DataDir().MoveToTrash(t.Path(), t.TabletID(), t.SchemaHash()); err != nil {
				log.Warn("Unable to move tablet to trash",
					logger.TabletID(t.TabletID()), zap.Error(err))
				result = multierror.Append(result, err)
				remaining = append(remaining, t)
				continue
			}
		}
		if err := t.DataDir().MetaStore().RemoveTabletMeta(ctx, t.TabletID(), t.SchemaHash()); err != nil {
			log.Warn("Unable to remove meta of swept tablet",
				logger.TabletID(t.TabletID()), zap.Error(err))
			result = multierror.Append(result, err)
			remaining = append(remaining, t)
			continue
		}
		swept++
	}
	m.shutdownTablets = remaining

	var keepRowsets []*Rowset
	for _, rs := range m.unusedRowsets {
		if err := rs.RemoveFiles(); err != nil {
			log.Warn("Unable to remove unused rowset files",
				logger.RowsetID(rs.ID()), zap.Error(err))
			result = multierror.Append(result, err)
			keepRowsets = append(keepRowsets, rs)
		}
	}
	m.unusedRowsets = keepRowsets

	return swept, result.ErrorOrNil()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ShutdownTabletCount returns the length of the sweep queue.
func (m *Manager) ShutdownTabletCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shutdownTablets)
}

// ReportTabletInfo builds the report entry of one tablet.
func (m *Manager) ReportTabletInfo(tabletID int64, schemaHash int32) (*TabletInfo, error) {
	m.metrics.reportRequests.Inc()

	t := m.GetTablet(tabletID, schemaHash)
	if t == nil {
		return nil, ErrTabletNotFound
	}
	info := buildTabletInfo(t)
	return &info, nil
}

// ReportAllTablets builds the full report, grouped by tablet id. Expired
// transactions come from the wired TxnSource; the storage medium is only
// attached when more than one medium type is present in the cluster.
func (m *Manager) ReportAllTablets() (map[int64]*TabletReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.metrics.reportAllRequests.Inc()

	reports := make(map[int64]*TabletReport)
	for id, b := range m.tablets {
		if len(b.tablets) == 0 {
			continue
		}
		report := &TabletReport{}
		for _, t := range b.tablets {
			info := buildTabletInfo(t)
			if m.txns != nil {
				info.TransactionIDs = m.txns.ExpiredTxns(t.TabletID(), t.SchemaHash())
			}
			if m.mediumTypeCount > 1 {
				info.StorageMedium = t.DataDir().StorageMedium()
			}
			info.VersionCount = t.VersionCount()
			info.PathHash = t.DataDir().PathHash()
			report.Tablets = append(report.Tablets, info)
		}
		reports[id] = report
	}

	m.logger.Info("Built full tablet report", zap.Int("tablets", len(reports)))
	return reports, nil
}

func buildTabletInfo(t *Tablet) TabletInfo {
	version, versionHash := t.MaxContinuousVersion()
	return TabletInfo{
		TabletID:    t.TabletID(),
		SchemaHash:  t.SchemaHash(),
		RowCount:    t.NumRows(),
		DataSize:    t.Footprint(),
		Version:     version.End,
		VersionHash: versionHash,
	}
}

// TabletStats returns the stats cache, rebuilding it when older than the
// configured interval. The lock is exclusive because the rebuild is lazy.
func (m *Manager) TabletStats() map[int64]TabletStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clock.Now().Sub(m.statCacheUpdatedAt) > time.Duration(m.cfg.StatCacheUpdateInterval) {
		m.rebuildStatsLocked()
	}

	out := make(map[int64]TabletStat, len(m.statCache))
	for id, stat := range m.statCache {
		out[id] = stat
	}
	return out
}

func (m *Manager) rebuildStatsLocked() {
	m.statCache = make(map[int64]TabletStat, len(m.tablets))
	for id, b := range m.tablets {
		if len(b.tablets) == 0 {
			continue
		}
		// stats come from the base instance only
		t := b.tablets[0]
		m.statCache[id] = TabletStat{
			TabletID: id,
			DataSize: t.Footprint(),
			RowCount: t.NumRows(),
		}
	}
	m.statCacheUpdatedAt = m.clock.Now()
}

// UpdateStorageMediumTypeCount records how many distinct storage medium
// types the node currently has.
func (m *Manager) UpdateStorageMediumTypeCount(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mediumTypeCount = count
}

// UpdateDataDirUsage folds tablet footprints into the per-path usage map
// and returns the number of registered instances.
func (m *Manager) UpdateDataDirUsage(usage map[string]*DataDirUsage) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, b := range m.tablets {
		for _, t := range b.tablets {
			count++
			entry, ok := usage[t.DataDir().Path()]
			if !ok {
				continue
			}
			if entry.IsUsed {
				entry.DataUsedCapacity += t.Footprint()
			}
		}
	}
	return count
}

var rowsetPathRe = regexp.MustCompile(`/data/\d+/\d+/\d+/(\d+)_.*`)

// RowsetIDFromPath extracts the rowset id from a segment file path.
func RowsetIDFromPath(path string) (int64, bool) {
	matches := rowsetPathRe.FindStringSubmatch(path)
	if matches == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// TabletIDAndSchemaHashFromPath resolves a file path against the known
// data dirs and extracts the tablet id and, when present, the schema hash.
func TabletIDAndSchemaHashFromPath(path string, dirs []*DataDir) (tabletID int64, schemaHash int32, ok bool) {
	for _, dir := range dirs {
		if !strings.Contains(path, dir.Path()) {
			continue
		}
		re := regexp.MustCompile(regexp.QuoteMeta(dir.Path()) + `/data/\d+/(\d+)(?:/(\d+))?`)
		matches := re.FindStringSubmatch(path)
		if matches == nil {
			return 0, 0, false
		}
		id, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		tabletID = id
		if matches[2] != "" {
			hash, err := strconv.ParseInt(matches[2], 10, 32)
			if err != nil {
				return 0, 0, false
			}
			schemaHash = int32(hash)
		}
		return tabletID, schemaHash, true
	}
	return 0, 0, false
}
