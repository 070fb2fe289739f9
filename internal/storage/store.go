package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tagsync/internal/record"
)

// Config is the minimal configuration needed to open a target store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Table may be schema-qualified ("dbo.AllTagslist").
type Config struct {
	Kind      string
	DSN       string
	Table     string
	TagColumn string

	// MaxOpenConns caps the backend pool. Zero leaves the backend default.
	MaxOpenConns int

	// ConnectTimeout bounds the connectivity check done on Open. Zero means
	// no extra bound beyond ctx.
	ConnectTimeout time.Duration
}

// Store is the target table the importer synchronizes into.
//
// A Store is bound to one table and one tag column at Open time. Every method
// must be safe for concurrent use by multiple sheets.
type Store interface {
	// Describe returns the table's columns. Backends cache the result.
	Describe(ctx context.Context) (Schema, error)

	// FetchExisting returns the current rows for tags, keyed by
	// NormalizeKey(tag). Tags that do not exist are absent from the map.
	// Implementations chunk large tag lists to respect driver parameter limits.
	FetchExisting(ctx context.Context, tags []string) (map[string]record.Record, error)

	// Begin opens a write transaction.
	Begin(ctx context.Context) (Tx, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources. Call once.
	Close()
}

// Tx is one write transaction. Exactly one of Commit or Rollback finishes
// it; Rollback after Commit is a no-op.
type Tx interface {
	Insert(ctx context.Context, rec record.Record) error

	// Update sets columns on the row identified by tag. It fails with a
	// ConstraintViolation when no row matches.
	Update(ctx context.Context, tag string, set []record.Field) error

	Commit() error
	Rollback() error
}

// Factory opens a Store for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "mssql", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Store using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind, cfg.Table or cfg.TagColumn is empty, or
//     the kind is unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}
	if cfg.Table == "" || cfg.TagColumn == "" {
		return nil, fmt.Errorf("storage: table and tag column are required")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Chunks splits tags into slices of at most size elements.
//
// Backends use it for IN (...) lists: SQL Server caps a statement at 2100
// parameters, so the mssql backend passes 1000.
func Chunks(tags []string, size int) [][]string {
	if size <= 0 {
		size = len(tags)
	}
	var out [][]string
	for start := 0; start < len(tags); start += size {
		end := start + size
		if end > len(tags) {
			end = len(tags)
		}
		out = append(out, tags[start:end])
	}
	return out
}

// InsertFields returns rec's non-blank fields in order. Inserts omit blank
// columns so the table's defaults apply, matching the preflight rule that
// only required columns must be supplied.
func InsertFields(rec record.Record) []record.Field {
	all := rec.Fields()
	out := make([]record.Field, 0, len(all))
	for _, f := range all {
		if f.Value.IsBlank() {
			continue
		}
		out = append(out, f)
	}
	return out
}
