package tablet

import "errors"

var (
	// ErrTabletExists is returned when inserting a tablet whose
	// (tablet id, schema hash) pair is already registered.
	ErrTabletExists = errors.New("tablet already exists")

	// ErrTabletIDExists is returned by CreateTablet when the tablet id is
	// registered under a different schema hash.
	ErrTabletIDExists = errors.New("tablet id already exists with different schema hash")

	// ErrTabletNotFound is returned when trying to use a non existing tablet.
	ErrTabletNotFound = errors.New("tablet not found")

	// ErrTabletDeleted is returned when loading a meta whose state is
	// already SHUTDOWN; the tablet is queued for sweeping, not registered.
	ErrTabletDeleted = errors.New("tablet is marked for deletion")

	// ErrTabletInvalid is returned when a loaded tablet has neither a
	// max version nor an alter task.
	ErrTabletInvalid = errors.New("tablet has no version and no alter task")

	// ErrMetaParse is returned when a persisted tablet meta cannot be decoded.
	ErrMetaParse = errors.New("tablet meta parse failed")

	// ErrMetaNotFound is returned by the meta store when no entry exists
	// for a (tablet id, schema hash) pair.
	ErrMetaNotFound = errors.New("tablet meta not found")

	// ErrSchemaChangeInProgress is returned when dropping a base tablet
	// whose schema change has not finished.
	ErrSchemaChangeInProgress = errors.New("previous schema change not finished")

	// ErrInvalidCreateRequest is returned for malformed create requests.
	ErrInvalidCreateRequest = errors.New("invalid create tablet request")

	// ErrInvalidParameter is returned for malformed arguments to other
	// operations.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrFileNotExist is returned when a tablet header file is missing.
	ErrFileNotExist = errors.New("file not exist")

	// ErrLoadTablet is returned when a tablet directory cannot be loaded.
	ErrLoadTablet = errors.New("load tablet from dir failed")

	// ErrCreateFromMeta is returned when an in-memory tablet cannot be
	// constructed from its meta.
	ErrCreateFromMeta = errors.New("cannot construct tablet from meta")
)
