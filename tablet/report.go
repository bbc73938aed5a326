package tablet

// TabletInfo is the per-instance report sent to the frontend.
type TabletInfo struct {
	TabletID       int64
	SchemaHash     int32
	RowCount       int64
	DataSize       int64
	Version        int64
	VersionHash    uint64
	TransactionIDs []int64
	StorageMedium  StorageMedium
	VersionCount   int
	PathHash       uint64
}

// TabletReport groups the instances sharing one tablet id.
type TabletReport struct {
	Tablets []TabletInfo
}

// TabletStat is one entry of the stats cache.
type TabletStat struct {
	TabletID int64
	DataSize int64
	RowCount int64
}

// TxnSource supplies expired transaction ids for reporting. The
// transaction manager implements it.
type TxnSource interface {
	ExpiredTxns(tabletID int64, schemaHash int32) []int64
}

// DataDirUsage accumulates per-path capacity accounting built from the
// registry.
type DataDirUsage struct {
	IsUsed           bool
	DataUsedCapacity int64
}
