package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"

	"vworld/internal/logging"
)

// DocumentStore backs the `>>` redirect feature and /editprog: softcode
// program source and redirected program output, both addressed by
// (entity, property-path). Content is compressed at rest with zstd since
// program source and captured transcripts compress well and are read far
// less often than written.
type DocumentStore struct {
	logger *slog.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	mu   sync.RWMutex
	docs map[docKey][]byte // zstd-compressed content
}

type docKey struct {
	entity EntityID
	path   string
}

// NewDocumentStore constructs an empty, in-memory document store.
func NewDocumentStore(logger *slog.Logger) (*DocumentStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("documents: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("documents: new decoder: %w", err)
	}
	return &DocumentStore{
		logger: logging.Default(logger).With("component", "documents"),
		enc:    enc,
		dec:    dec,
		docs:   make(map[docKey][]byte),
	}, nil
}

// Get returns the decompressed content at (entity, path), or ok=false if none exists.
func (d *DocumentStore) Get(ctx context.Context, entity EntityID, path string) (content string, ok bool, err error) {
	d.mu.RLock()
	compressed, exists := d.docs[docKey{entity, path}]
	d.mu.RUnlock()
	if !exists {
		return "", false, nil
	}
	plain, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		return "", false, fmt.Errorf("documents: decode %s/%s: %w", entity, path, err)
	}
	return string(plain), true, nil
}

// Set compresses and stores content at (entity, path), replacing any prior value.
// Setting empty content is the "test-set" the agent uses to validate a
// redirect target before committing to it (spec 4.6 step (iv)).
func (d *DocumentStore) Set(ctx context.Context, entity EntityID, path, content string) error {
	compressed := d.enc.EncodeAll([]byte(content), nil)
	d.mu.Lock()
	d.docs[docKey{entity, path}] = compressed
	d.mu.Unlock()
	return nil
}

// Find returns the paths of entity's documents whose path matches the
// given doublestar glob pattern (e.g. "lib/**/*.sc"), for /listprog
// filtering and softcode library lookups.
func (d *DocumentStore) Find(ctx context.Context, entity EntityID, pattern string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var matches []string
	for key := range d.docs {
		if key.entity != entity {
			continue
		}
		ok, err := doublestar.Match(pattern, key.path)
		if err != nil {
			return nil, fmt.Errorf("documents: bad pattern %q: %w", pattern, err)
		}
		if ok {
			matches = append(matches, key.path)
		}
	}
	return matches, nil
}

// Append compresses and appends content, decompressing any existing value
// first. Used by a document-writer draining a redirected program's output
// channel line by line.
func (d *DocumentStore) Append(ctx context.Context, entity EntityID, path, content string) error {
	existing, _, err := d.Get(ctx, entity, path)
	if err != nil {
		return err
	}
	return d.Set(ctx, entity, path, existing+content)
}

// DocumentWriter adapts a DocumentStore into a channel.ReceiverCallback
// target: every item sent to it is appended as a line.
type DocumentWriter struct {
	store  *DocumentStore
	entity EntityID
	path   string
}

// NewDocumentWriter returns a writer that appends every received text line
// to (entity, path) in store.
func NewDocumentWriter(store *DocumentStore, entity EntityID, path string) *DocumentWriter {
	return &DocumentWriter{store: store, entity: entity, path: path}
}

// Write implements channel.ReceiverCallback's func(any) error shape.
func (w *DocumentWriter) Write(item any) error {
	line, ok := item.(string)
	if !ok {
		return fmt.Errorf("documents: writer expects string items, got %T", item)
	}
	return w.store.Append(context.Background(), w.entity, w.path, line+"\n")
}
