package tablet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTabletMeta_MarshalRoundTrip(t *testing.T) {
	meta := &TabletMeta{
		TableID:      1,
		PartitionID:  2,
		TabletID:     100,
		SchemaHash:   7,
		ShardID:      5,
		CreationTime: 1600000000,
		State:        TabletStateNormal,
		Schema: TabletSchema{
			SchemaHash:   7,
			Columns:      []ColumnMeta{{Name: "id", Type: "BIGINT", IsKey: true, UniqueID: 0}},
			NextUniqueID: 1,
		},
		CumulativeLayerPoint: 3,
		AlterTask: &AlterTask{
			RelatedTabletID:   100,
			RelatedSchemaHash: 9,
			State:             AlterStateRunning,
		},
		Rowsets:      []*RowsetMeta{{RowsetID: 1, Version: Version{Start: 0, End: 2}, VersionHash: 42}},
		NextRowsetID: 1,
	}

	blob, err := meta.MarshalBinary()
	require.NoError(t, err)

	decoded := &TabletMeta{}
	require.NoError(t, decoded.UnmarshalBinary(blob))
	assert.Empty(t, cmp.Diff(meta, decoded))
}

func TestTabletMeta_UnmarshalErrors(t *testing.T) {
	meta := &TabletMeta{}
	assert.ErrorIs(t, meta.UnmarshalBinary([]byte("{{")), ErrMetaParse)
	assert.ErrorIs(t, meta.UnmarshalBinary([]byte("{}")), ErrMetaParse)
}

func TestTabletMeta_Clone(t *testing.T) {
	meta := &TabletMeta{
		TabletID:   100,
		SchemaHash: 7,
		Schema:     TabletSchema{Columns: []ColumnMeta{{Name: "id"}}},
		AlterTask:  &AlterTask{RelatedTabletID: 100, RelatedSchemaHash: 9, State: AlterStateRunning},
		Rowsets:    []*RowsetMeta{{RowsetID: 1}},
	}
	clone := meta.Clone()
	require.Empty(t, cmp.Diff(meta, clone))

	clone.Schema.Columns[0].Name = "other"
	clone.AlterTask.State = AlterStateFailed
	clone.Rowsets[0].RowsetID = 99

	assert.Equal(t, "id", meta.Schema.Columns[0].Name)
	assert.Equal(t, AlterStateRunning, meta.AlterTask.State)
	assert.Equal(t, int64(1), meta.Rowsets[0].RowsetID)
}

func TestTabletMeta_MaxVersionRowset(t *testing.T) {
	meta := &TabletMeta{
		Rowsets: []*RowsetMeta{
			{RowsetID: 1, Version: Version{Start: 0, End: 2}},
			{RowsetID: 2, Version: Version{Start: 3, End: 5}},
		},
	}
	assert.Equal(t, int64(2), meta.MaxVersionRowset().RowsetID)
	assert.Nil(t, (&TabletMeta{}).MaxVersionRowset())
}

func TestHashSchema(t *testing.T) {
	cols := []ColumnMeta{
		{Name: "id", Type: "BIGINT", IsKey: true},
		{Name: "city", Type: "VARCHAR"},
	}
	h := HashSchema(cols)
	assert.Equal(t, h, HashSchema(cols))
	assert.GreaterOrEqual(t, h, int32(0))

	renamed := []ColumnMeta{
		{Name: "id", Type: "BIGINT", IsKey: true},
		{Name: "country", Type: "VARCHAR"},
	}
	assert.NotEqual(t, h, HashSchema(renamed))

	retyped := []ColumnMeta{
		{Name: "id", Type: "BIGINT", IsKey: true},
		{Name: "city", Type: "INT"},
	}
	assert.NotEqual(t, h, HashSchema(retyped))
}
