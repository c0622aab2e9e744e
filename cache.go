package quarry

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/quarrydb/quarry/dialect"
	sqld "github.com/quarrydb/quarry/dialect/sql"
)

// Cache is the interface for caching query results.
// Users should implement this interface with their preferred caching
// solution (e.g., Redis, Memcached, in-memory).
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an optional TTL.
	// If ttl is 0, the value should not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes all values from the cache.
	Clear(ctx context.Context) error
}

// CacheKey identifies one read statement and its arguments.
type CacheKey struct {
	Query string
	Args  []any
}

// String returns the string representation of the cache key.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s|%v", k.Query, k.Args)
}

// TTLCache is an in-memory Cache with per-entry expiry. Expired
// entries are dropped lazily on access.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]ttlEntry
}

type ttlEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewTTLCache returns an empty in-memory cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{entries: make(map[string]ttlEntry)}
}

// Get implements Cache.
func (c *TTLCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, nil
	}
	return e.value, nil
}

// Set implements Cache.
func (c *TTLCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := ttlEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *TTLCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Clear implements Cache.
func (c *TTLCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]ttlEntry)
	c.mu.Unlock()
	return nil
}

// Len reports the number of cached entries, including any that are
// expired but not yet evicted.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cachedResult is the serialized form of one result set.
type cachedResult struct {
	Columns []string
	Values  [][]any
}

// CacheDriver decorates a driver with read-through caching of query
// results. Concurrent identical queries are collapsed into a single
// database round-trip. Any write through the driver clears the cache,
// and statements inside a transaction bypass it entirely so they
// observe their own writes.
type CacheDriver struct {
	dialect.Driver
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

// CacheOption configures a CacheDriver.
type CacheOption func(*CacheDriver)

// WithTTL sets the expiry applied to cached result sets.
func WithTTL(ttl time.Duration) CacheOption {
	return func(d *CacheDriver) { d.ttl = ttl }
}

// NewCacheDriver wraps a driver with the given cache.
func NewCacheDriver(drv dialect.Driver, cache Cache, opts ...CacheOption) *CacheDriver {
	d := &CacheDriver{Driver: drv, cache: cache}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Exec forwards to the underlying driver and clears the cache.
func (d *CacheDriver) Exec(ctx context.Context, query string, args, v any) error {
	if err := d.Driver.Exec(ctx, query, args, v); err != nil {
		return err
	}
	return d.cache.Clear(ctx)
}

// Query serves the statement from the cache when possible. The result
// set is drained, serialized with msgpack, and replayed to the caller.
func (d *CacheDriver) Query(ctx context.Context, query string, args, v any) error {
	rows, ok := v.(*sqld.Rows)
	if !ok {
		return d.Driver.Query(ctx, query, args, v)
	}
	vargs, ok := args.([]any)
	if !ok {
		return d.Driver.Query(ctx, query, args, v)
	}
	key := CacheKey{Query: query, Args: vargs}.String()
	res, err, _ := d.group.Do(key, func() (any, error) {
		return d.lookup(ctx, key, query, vargs)
	})
	if err != nil {
		return err
	}
	rows.ColumnScanner = newReplayRows(res.(*cachedResult))
	return nil
}

func (d *CacheDriver) lookup(ctx context.Context, key, query string, args []any) (*cachedResult, error) {
	if buf, err := d.cache.Get(ctx, key); err != nil {
		return nil, fmt.Errorf("quarry: cache get: %w", err)
	} else if buf != nil {
		var res cachedResult
		if err := msgpack.Unmarshal(buf, &res); err != nil {
			return nil, fmt.Errorf("quarry: cache decode: %w", err)
		}
		return &res, nil
	}
	var rows sqld.Rows
	if err := d.Driver.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	res, err := drainRows(&rows)
	if err != nil {
		return nil, err
	}
	buf, err := msgpack.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("quarry: cache encode: %w", err)
	}
	if err := d.cache.Set(ctx, key, buf, d.ttl); err != nil {
		return nil, fmt.Errorf("quarry: cache set: %w", err)
	}
	return res, nil
}

// Tx returns an uncached transaction whose writes clear the cache.
func (d *CacheDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &cacheTx{Tx: tx, ctx: ctx, cache: d.cache}, nil
}

type cacheTx struct {
	dialect.Tx
	ctx   context.Context
	cache Cache
	dirty bool
}

func (tx *cacheTx) Exec(ctx context.Context, query string, args, v any) error {
	tx.dirty = true
	return tx.Tx.Exec(ctx, query, args, v)
}

func (tx *cacheTx) Commit() error {
	if err := tx.Tx.Commit(); err != nil {
		return err
	}
	if tx.dirty {
		return tx.cache.Clear(tx.ctx)
	}
	return nil
}

// drainRows reads a live result set to completion.
func drainRows(rows *sqld.Rows) (*cachedResult, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &cachedResult{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		dests := make([]any, len(cols))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		res.Values = append(res.Values, vals)
	}
	return res, rows.Err()
}

// replayRows replays a cached result set through the ColumnScanner
// interface.
type replayRows struct {
	res *cachedResult
	row int
}

func newReplayRows(res *cachedResult) *replayRows {
	return &replayRows{res: res, row: -1}
}

func (r *replayRows) Close() error { return nil }

func (r *replayRows) ColumnTypes() ([]*sql.ColumnType, error) { return nil, nil }

func (r *replayRows) Columns() ([]string, error) { return r.res.Columns, nil }

func (r *replayRows) Err() error { return nil }

func (r *replayRows) NextResultSet() bool { return false }

func (r *replayRows) Next() bool {
	r.row++
	return r.row < len(r.res.Values)
}

func (r *replayRows) Scan(dest ...any) error {
	if r.row < 0 || r.row >= len(r.res.Values) {
		return fmt.Errorf("quarry: Scan called without Next")
	}
	vals := r.res.Values[r.row]
	if len(dest) != len(vals) {
		return fmt.Errorf("quarry: expected %d scan destinations, got %d", len(vals), len(dest))
	}
	for i, v := range vals {
		if err := assignScanValue(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

// assignScanValue stores a cached value into a scan destination the
// way database/sql would.
func assignScanValue(dest, v any) error {
	if sc, ok := dest.(sql.Scanner); ok {
		return sc.Scan(v)
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("quarry: scan destination must be a non-nil pointer, got %T", dest)
	}
	elem := dv.Elem()
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().ConvertibleTo(elem.Type()) {
		return fmt.Errorf("quarry: cannot scan %T into %T", v, dest)
	}
	elem.Set(rv.Convert(elem.Type()))
	return nil
}
