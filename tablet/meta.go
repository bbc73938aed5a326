package tablet

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// TabletState is the lifecycle state persisted in a tablet's meta.
type TabletState string

const (
	TabletStateNormal   TabletState = "NORMAL"
	TabletStateShutdown TabletState = "SHUTDOWN"
)

// AlterState tracks the progress of a schema-change or rollup task.
type AlterState string

const (
	AlterStateRunning  AlterState = "RUNNING"
	AlterStateFinished AlterState = "FINISHED"
	AlterStateFailed   AlterState = "FAILED"
)

// Version is an inclusive range of data versions covered by a rowset.
type Version struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (v Version) String() string {
	return fmt.Sprintf("[%d-%d]", v.Start, v.End)
}

// AlterTask pairs a tablet with its peer during a schema change. The peer
// is identified by (tablet id, schema hash) and resolved through the
// registry at each use; tablets never hold a direct handle to each other.
type AlterTask struct {
	RelatedTabletID   int64      `json:"related_tablet_id"`
	RelatedSchemaHash int32      `json:"related_schema_hash"`
	State             AlterState `json:"state"`
}

// ColumnMeta describes one column of a tablet schema.
type ColumnMeta struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	IsKey    bool   `json:"is_key,omitempty"`
	UniqueID uint32 `json:"unique_id"`
}

// TabletSchema is the physical column layout of a tablet.
type TabletSchema struct {
	SchemaHash   int32        `json:"schema_hash"`
	Columns      []ColumnMeta `json:"columns"`
	NextUniqueID uint32       `json:"next_unique_id"`
}

// Column returns the column with the given name.
func (s *TabletSchema) Column(name string) (ColumnMeta, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnMeta{}, false
}

// HashSchema derives a schema hash from the column layout. Create requests
// normally carry the hash assigned by the frontend; this helper exists for
// callers that build schemas locally.
func HashSchema(columns []ColumnMeta) int32 {
	h := xxhash.New()
	for _, c := range columns {
		h.WriteString(c.Name)
		h.WriteString("\x00")
		h.WriteString(c.Type)
		h.WriteString("\x00")
		h.WriteString(strconv.FormatBool(c.IsKey))
		h.WriteString("\x00")
	}
	return int32(h.Sum64() & 0x7fffffff)
}

// RowsetState is the visibility state of a rowset.
type RowsetState string

const (
	RowsetStateVisible RowsetState = "VISIBLE"
)

// RowsetType names the on-disk rowset format.
type RowsetType string

const (
	RowsetTypeAlpha RowsetType = "ALPHA"
)

// RowsetMeta is the persisted description of one rowset.
type RowsetMeta struct {
	RowsetID     int64       `json:"rowset_id"`
	TabletID     int64       `json:"tablet_id"`
	PartitionID  int64       `json:"partition_id"`
	SchemaHash   int32       `json:"schema_hash"`
	Type         RowsetType  `json:"type"`
	State        RowsetState `json:"state"`
	Version      Version     `json:"version"`
	VersionHash  uint64      `json:"version_hash"`
	CreationTime int64       `json:"creation_time"`
	NumRows      int64       `json:"num_rows"`
	NumSegments  int         `json:"num_segments"`
	DataSize     int64       `json:"data_size"`
}

// TabletMeta is the durable header of a tablet. It is serialized as JSON
// into the per-data-dir meta store and into header snapshot files.
type TabletMeta struct {
	TableID              int64         `json:"table_id"`
	PartitionID          int64         `json:"partition_id"`
	TabletID             int64         `json:"tablet_id"`
	SchemaHash           int32         `json:"schema_hash"`
	ShardID              uint64        `json:"shard_id"`
	CreationTime         int64         `json:"creation_time"`
	State                TabletState   `json:"state"`
	Schema               TabletSchema  `json:"schema"`
	CumulativeLayerPoint int64         `json:"cumulative_layer_point"`
	AlterTask            *AlterTask    `json:"alter_task,omitempty"`
	Rowsets              []*RowsetMeta `json:"rowsets"`
	IncRowsets           []*RowsetMeta `json:"inc_rowsets,omitempty"`
	NextRowsetID         int64         `json:"next_rowset_id"`
}

// MarshalBinary encodes the meta for storage.
func (m *TabletMeta) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary decodes a stored meta.
func (m *TabletMeta) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, m); err != nil {
		return errors.Wrap(ErrMetaParse, err.Error())
	}
	if m.TabletID == 0 && m.SchemaHash == 0 {
		return errors.Wrap(ErrMetaParse, "meta has no identity")
	}
	return nil
}

// Clone returns a deep copy of the meta.
func (m *TabletMeta) Clone() *TabletMeta {
	other := *m
	other.Schema.Columns = append([]ColumnMeta(nil), m.Schema.Columns...)
	if m.AlterTask != nil {
		task := *m.AlterTask
		other.AlterTask = &task
	}
	other.Rowsets = cloneRowsetMetas(m.Rowsets)
	other.IncRowsets = cloneRowsetMetas(m.IncRowsets)
	return &other
}

func cloneRowsetMetas(metas []*RowsetMeta) []*RowsetMeta {
	if metas == nil {
		return nil
	}
	out := make([]*RowsetMeta, len(metas))
	for i, rm := range metas {
		c := *rm
		out[i] = &c
	}
	return out
}

// MaxVersionRowset returns the rowset meta with the highest end version,
// or nil if the meta has no rowsets.
func (m *TabletMeta) MaxVersionRowset() *RowsetMeta {
	var max *RowsetMeta
	for _, rm := range m.Rowsets {
		if max == nil || rm.Version.End > max.Version.End {
			max = rm
		}
	}
	return max
}
