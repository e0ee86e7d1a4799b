package blob

import (
	"context"
	"fmt"
)

// Key layout of the snapshot store. Raw and processed artifacts are keyed by
// the snapshot's provenance date, so retried runs overwrite with identical
// content instead of duplicating.
const (
	RawPrefix       = "raw/"
	ProcessedPrefix = "processed/"
	HistoryKey      = "history.json"
	MetadataKey     = "metadata.json"

	ContentTypeJSON = "application/json"
)

func RawKey(provenanceDate string) string {
	return fmt.Sprintf("%s%s.json", RawPrefix, provenanceDate)
}

func ProcessedKey(provenanceDate string) string {
	return fmt.Sprintf("%s%s.json", ProcessedPrefix, provenanceDate)
}

// Store is a key to bytes blob store. Implementations must make Put atomic
// per key: a reader sees either the previous blob or the new one, never a
// partial write.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)

	Put(ctx context.Context, key string, data []byte, contentType string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}
