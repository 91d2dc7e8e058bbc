package masking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Distribution supplies every value of one category within an organization.
// Values from other categories must never be mixed in.
type Distribution interface {
	Values(ctx context.Context, orgID int64, category string) ([]float64, error)
}

// DistributionFunc adapts a function to Distribution
type DistributionFunc func(ctx context.Context, orgID int64, category string) ([]float64, error)

func (f DistributionFunc) Values(ctx context.Context, orgID int64, category string) ([]float64, error) {
	return f(ctx, orgID, category)
}

// SQLDistribution reads category values with a caller supplied query. The
// query takes the organization id as $1 and the category as $2 and returns
// one numeric column.
type SQLDistribution struct {
	db    storage.DBTX
	query string
}

// NewSQLDistribution creates a distribution backed by query
func NewSQLDistribution(db storage.DBTX, query string) *SQLDistribution {
	return &SQLDistribution{db: db, query: query}
}

func (d *SQLDistribution) Values(ctx context.Context, orgID int64, category string) ([]float64, error) {
	rows, err := d.db.QueryContext(ctx, d.query, orgID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s distribution: %w", category, err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s value: %w", category, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// RecordSource resolves record ids to their stored category and value.
// Ids it does not know are absent from the result.
type RecordSource interface {
	Records(ctx context.Context, orgID int64, ids []string) (map[string]Record, error)
}

// RecordSourceFunc adapts a function to RecordSource
type RecordSourceFunc func(ctx context.Context, orgID int64, ids []string) (map[string]Record, error)

func (f RecordSourceFunc) Records(ctx context.Context, orgID int64, ids []string) (map[string]Record, error) {
	return f(ctx, orgID, ids)
}

// SQLRecordSource loads records with a caller supplied query. The query
// takes the organization id as $1 and the record id as $2 and returns the
// category and the numeric value.
type SQLRecordSource struct {
	db    storage.DBTX
	query string
}

// NewSQLRecordSource creates a record source backed by query
func NewSQLRecordSource(db storage.DBTX, query string) *SQLRecordSource {
	return &SQLRecordSource{db: db, query: query}
}

func (s *SQLRecordSource) Records(ctx context.Context, orgID int64, ids []string) (map[string]Record, error) {
	recs := make(map[string]Record, len(ids))
	for _, id := range ids {
		if _, seen := recs[id]; seen {
			continue
		}
		rec := Record{ID: id}
		err := s.db.QueryRowContext(ctx, s.query, orgID, id).Scan(&rec.Category, &rec.Value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load record %s: %w", id, err)
		}
		recs[id] = rec
	}
	return recs, nil
}

type distributionKey struct {
	orgID    int64
	category string
}

// CachedDistribution memoizes another Distribution for a short TTL
type CachedDistribution struct {
	src   Distribution
	cache *lru.LRU[distributionKey, []float64]
}

// NewCachedDistribution wraps src with an expiring LRU of size entries
func NewCachedDistribution(src Distribution, size int, ttl time.Duration) *CachedDistribution {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedDistribution{
		src:   src,
		cache: lru.NewLRU[distributionKey, []float64](size, nil, ttl),
	}
}

func (d *CachedDistribution) Values(ctx context.Context, orgID int64, category string) ([]float64, error) {
	key := distributionKey{orgID: orgID, category: category}
	if v, ok := d.cache.Get(key); ok {
		return v, nil
	}
	v, err := d.src.Values(ctx, orgID, category)
	if err != nil {
		return nil, err
	}
	d.cache.Add(key, v)
	return v, nil
}

// Purge drops every cached distribution
func (d *CachedDistribution) Purge() {
	d.cache.Purge()
}
