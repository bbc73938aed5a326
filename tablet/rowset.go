package tablet

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Rowset is an immutable unit of row data covering a version range.
type Rowset struct {
	meta       *RowsetMeta
	pathPrefix string
}

func newRowset(meta *RowsetMeta, pathPrefix string) *Rowset {
	return &Rowset{meta: meta, pathPrefix: pathPrefix}
}

// Meta returns the rowset's meta.
func (r *Rowset) Meta() *RowsetMeta { return r.meta }

// ID returns the rowset id.
func (r *Rowset) ID() int64 { return r.meta.RowsetID }

// Version returns the version range covered by the rowset.
func (r *Rowset) Version() Version { return r.meta.Version }

// CreationTime returns the rowset creation time in unix seconds.
func (r *Rowset) CreationTime() int64 { return r.meta.CreationTime }

// NumRows returns the number of rows in the rowset.
func (r *Rowset) NumRows() int64 { return r.meta.NumRows }

// DataSize returns the on-disk footprint of the rowset in bytes.
func (r *Rowset) DataSize() int64 { return r.meta.DataSize }

// SegmentPath returns the path of one segment file.
func (r *Rowset) SegmentPath(segment int) string {
	return segmentPath(r.pathPrefix, r.meta.RowsetID, segment)
}

// RemoveFiles deletes all segment files of the rowset.
func (r *Rowset) RemoveFiles() error {
	for seg := 0; seg < r.meta.NumSegments; seg++ {
		if err := os.Remove(r.SegmentPath(seg)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func segmentPath(prefix string, rowsetID int64, segment int) string {
	return filepath.Join(prefix, fmt.Sprintf("%d_%d.dat", rowsetID, segment))
}

// Row is one row of column values, keyed by column name.
type Row map[string]interface{}

// RowsetWriterContext carries everything a writer needs to produce a
// rowset for a tablet.
type RowsetWriterContext struct {
	RowsetID     int64
	TabletID     int64
	PartitionID  int64
	SchemaHash   int32
	RowsetType   RowsetType
	PathPrefix   string
	Schema       *TabletSchema
	RowsetState  RowsetState
	DataDir      *DataDir
	Version      Version
	VersionHash  uint64
	CreationTime int64
}

// RowsetWriter accumulates rows and materializes them as segment files
// under the tablet's directory. A writer produces exactly one rowset.
type RowsetWriter struct {
	ctx      RowsetWriterContext
	rows     []Row
	segments int
	numRows  int64
	dataSize int64
	built    bool
}

// NewRowsetWriter returns a writer for the given context.
func NewRowsetWriter(ctx RowsetWriterContext) (*RowsetWriter, error) {
	if ctx.PathPrefix == "" {
		return nil, errors.Wrap(ErrInvalidParameter, "rowset writer needs a path prefix")
	}
	if ctx.Version.Start > ctx.Version.End {
		return nil, errors.Wrapf(ErrInvalidParameter,
			"rowset version start %d larger than end %d", ctx.Version.Start, ctx.Version.End)
	}
	if ctx.RowsetType == "" {
		ctx.RowsetType = RowsetTypeAlpha
	}
	return &RowsetWriter{ctx: ctx}, nil
}

// AddRow buffers one row into the current segment.
func (w *RowsetWriter) AddRow(row Row) error {
	if w.built {
		return errors.Wrap(ErrInvalidParameter, "rowset writer already built")
	}
	w.rows = append(w.rows, row)
	return nil
}

// Flush writes the buffered rows out as one segment file. Flushing with no
// buffered rows still produces a segment so an empty rowset has an on-disk
// presence.
func (w *RowsetWriter) Flush() error {
	if w.built {
		return errors.Wrap(ErrInvalidParameter, "rowset writer already built")
	}
	path := segmentPath(w.ctx.PathPrefix, w.ctx.RowsetID, w.segments)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create segment %s", path)
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, row := range w.rows {
		if err := enc.Encode(row); err != nil {
			f.Close()
			return errors.Wrapf(err, "unable to encode row into %s", path)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	w.numRows += int64(len(w.rows))
	w.dataSize += info.Size()
	w.rows = w.rows[:0]
	w.segments++
	return nil
}

// Build finalizes the writer and returns the rowset. At least one segment
// must have been flushed.
func (w *RowsetWriter) Build() (*Rowset, error) {
	if w.segments == 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "rowset writer built without flush")
	}
	if len(w.rows) > 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "rowset writer has unflushed rows")
	}
	w.built = true
	meta := &RowsetMeta{
		RowsetID:     w.ctx.RowsetID,
		TabletID:     w.ctx.TabletID,
		PartitionID:  w.ctx.PartitionID,
		SchemaHash:   w.ctx.SchemaHash,
		Type:         w.ctx.RowsetType,
		State:        w.ctx.RowsetState,
		Version:      w.ctx.Version,
		VersionHash:  w.ctx.VersionHash,
		CreationTime: w.ctx.CreationTime,
		NumRows:      w.numRows,
		NumSegments:  w.segments,
		DataSize:     w.dataSize,
	}
	return newRowset(meta, w.ctx.PathPrefix), nil
}

// PartialRowset returns a rowset describing whatever segments were flushed
// so far, for handing to the unused-rowset cleanup path after a failure.
// Returns nil if nothing reached disk.
func (w *RowsetWriter) PartialRowset() *Rowset {
	if w.segments == 0 {
		return nil
	}
	meta := &RowsetMeta{
		RowsetID:     w.ctx.RowsetID,
		TabletID:     w.ctx.TabletID,
		PartitionID:  w.ctx.PartitionID,
		SchemaHash:   w.ctx.SchemaHash,
		Type:         w.ctx.RowsetType,
		State:        w.ctx.RowsetState,
		Version:      w.ctx.Version,
		VersionHash:  w.ctx.VersionHash,
		CreationTime: w.ctx.CreationTime,
		NumRows:      w.numRows,
		NumSegments:  w.segments,
		DataSize:     w.dataSize,
	}
	return newRowset(meta, w.ctx.PathPrefix)
}
