package tablet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var metaBucket = []byte("tablet_meta")

// MetaStore is the durable tablet meta manager of one data dir, backed by
// boltdb. Keys are "tbl_{tablet_id}_{schema_hash}", values are the JSON
// encoded TabletMeta.
type MetaStore struct {
	path   string
	db     *bolt.DB
	logger *zap.Logger
}

// NewMetaStore returns a MetaStore with the db file at the provided path.
func NewMetaStore(path string) *MetaStore {
	return &MetaStore{
		path:   path,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *MetaStore) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "tablet_meta_store"))
}

// Path returns the path of the boltdb file.
func (s *MetaStore) Path() string { return s.path }

// Open creates the boltdb file if it doesn't exist and opens it otherwise.
func (s *MetaStore) Open(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "MetaStore.Open")
	defer span.Finish()

	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.Wrapf(err, "unable to create directory %s", filepath.Dir(s.path))
	}

	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "unable to open boltdb file %s", s.path)
	}
	s.db = db

	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		return err
	}

	s.logger.Info("Meta store opened", zap.String("path", s.path))
	return nil
}

// Close the connection to the bolt database.
func (s *MetaStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func metaKey(tabletID int64, schemaHash int32) []byte {
	return []byte(fmt.Sprintf("tbl_%d_%d", tabletID, schemaHash))
}

func parseMetaKey(key []byte) (tabletID int64, schemaHash int32, err error) {
	parts := strings.Split(string(key), "_")
	if len(parts) != 3 || parts[0] != "tbl" {
		return 0, 0, errors.Errorf("malformed meta key %q", key)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed meta key %q", key)
	}
	hash, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed meta key %q", key)
	}
	return id, int32(hash), nil
}

// SaveTabletMeta writes the serialized meta for a tablet, replacing any
// previous entry.
func (s *MetaStore) SaveTabletMeta(ctx context.Context, tabletID int64, schemaHash int32, blob []byte) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "MetaStore.SaveTabletMeta")
	defer span.Finish()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKey(tabletID, schemaHash), blob)
	})
}

// TabletMeta reads and decodes the meta for a tablet. Returns
// ErrMetaNotFound when no entry exists.
func (s *MetaStore) TabletMeta(ctx context.Context, tabletID int64, schemaHash int32) (*TabletMeta, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "MetaStore.TabletMeta")
	defer span.Finish()

	var blob []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(metaKey(tabletID, schemaHash))
		if v == nil {
			return ErrMetaNotFound
		}
		blob = append(blob, v...)
		return nil
	}); err != nil {
		return nil, err
	}

	meta := &TabletMeta{}
	if err := meta.UnmarshalBinary(blob); err != nil {
		return nil, err
	}
	return meta, nil
}

// RemoveTabletMeta deletes the meta entry for a tablet. Removing an absent
// entry is not an error.
func (s *MetaStore) RemoveTabletMeta(ctx context.Context, tabletID int64, schemaHash int32) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "MetaStore.RemoveTabletMeta")
	defer span.Finish()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete(metaKey(tabletID, schemaHash))
	})
}

// ForEachTabletMeta calls fn with the raw blob of every stored meta. The
// blob is only valid for the duration of the call.
func (s *MetaStore) ForEachTabletMeta(ctx context.Context, fn func(tabletID int64, schemaHash int32, blob []byte) error) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "MetaStore.ForEachTabletMeta")
	defer span.Finish()

	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			tabletID, schemaHash, err := parseMetaKey(k)
			if err != nil {
				s.logger.Warn("Skipping malformed meta key", zap.ByteString("key", k))
				return nil
			}
			return fn(tabletID, schemaHash, v)
		})
	})
}
