// Package archive provides cold-storage backends for bundle data (zip files
// on a local filesystem, or objects in S3) and an Avro snapshot encoding of
// a fetched bundle window. It stores the bytes it is given; it does not
// select, move or delete bundle files in the data directory. Grounded on
// ClusterCockpit's internal/memorystore archiving and checkpoint code.
package archive

import "context"

// Backend stores a finished bundle file's bytes under key and can list what
// has been archived. Kept behind an interface per spec §9 so its callers
// are testable without real disk or network I/O.
type Backend interface {
	Store(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
