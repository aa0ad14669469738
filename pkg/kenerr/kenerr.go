// Package kenerr defines the error kinds shared by the schema registry,
// the archive codec/engine, and the bundled cache.
package kenerr

import "errors"

// Sentinel errors identifying the kinds named by the storage engine's error
// handling policy: schema validation, time-range misuse, pre-existing
// bundle files, corrupt headers and unknown aggregations. Disk failures are
// returned as the underlying os/io errors, with no sentinel of their own.
var (
	ErrInvalidConfig = errors.New("kenshin: invalid config")
	ErrInvalidTime   = errors.New("kenshin: invalid time range")
	ErrAlreadyExists = errors.New("kenshin: path already exists")
	ErrCorruptFile   = errors.New("kenshin: corrupt bundle file")
	ErrUnknownAgg    = errors.New("kenshin: unknown aggregation method")
)
