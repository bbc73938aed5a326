package logger

import "go.uber.org/zap"

// Typed fields keep key names consistent across the engine's log output.

func TabletID(id int64) zap.Field {
	return zap.Int64("tablet_id", id)
}

func SchemaHash(hash int32) zap.Field {
	return zap.Int32("schema_hash", hash)
}

func Shard(id uint64) zap.Field {
	return zap.Uint64("shard_id", id)
}

func DataDir(path string) zap.Field {
	return zap.String("data_dir", path)
}

func RowsetID(id int64) zap.Field {
	return zap.Int64("rowset_id", id)
}
