package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/merchkit/tax-engine/internal/domain/taxclass"
)

var _ taxclass.Repository = (*TaxClassRepository)(nil)

// TaxClassRepository implements taxclass.Repository backed by PostgreSQL.
type TaxClassRepository struct {
	pool *pgxpool.Pool
}

// NewTaxClassRepository returns a TaxClassRepository that uses the given pool.
func NewTaxClassRepository(pool *pgxpool.Pool) *TaxClassRepository {
	return &TaxClassRepository{pool: pool}
}

// Resolve loads a tax class and its per-country rates.
// Returns taxclass.ErrNotFound when the class does not exist.
func (r *TaxClassRepository) Resolve(ctx context.Context, id string) (*taxclass.Class, error) {
	const classQuery = `SELECT id, name, default_rate FROM tax_classes WHERE id = $1`

	var (
		class       taxclass.Class
		defaultRate *decimal.Decimal
	)
	err := r.pool.QueryRow(ctx, classQuery, id).Scan(&class.ID, &class.Name, &defaultRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, taxclass.ErrNotFound
		}
		return nil, fmt.Errorf("loading tax class %q: %w", id, err)
	}
	class.DefaultRate = defaultRate

	const ratesQuery = `SELECT country, rate FROM tax_class_country_rates WHERE tax_class_id = $1`

	rows, err := r.pool.Query(ctx, ratesQuery, id)
	if err != nil {
		return nil, fmt.Errorf("loading country rates for tax class %q: %w", id, err)
	}
	defer rows.Close()

	class.CountryRates = make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			country string
			rate    decimal.Decimal
		)
		if err := rows.Scan(&country, &rate); err != nil {
			return nil, fmt.Errorf("scanning country rate for tax class %q: %w", id, err)
		}
		class.CountryRates[country] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating country rates for tax class %q: %w", id, err)
	}

	return &class, nil
}

var _ taxclass.CountryRateTable = (*CountryRateTable)(nil)

// CountryRateTable implements taxclass.CountryRateTable backed by the
// country_default_rates table. Countries without an entry default to zero.
type CountryRateTable struct {
	pool *pgxpool.Pool
}

// NewCountryRateTable returns a CountryRateTable that uses the given pool.
func NewCountryRateTable(pool *pgxpool.Pool) *CountryRateTable {
	return &CountryRateTable{pool: pool}
}

// Default returns the default rate for a country, or zero when none is set.
func (t *CountryRateTable) Default(ctx context.Context, country string) (decimal.Decimal, error) {
	const query = `SELECT rate FROM country_default_rates WHERE country = $1`

	var rate decimal.Decimal
	err := t.pool.QueryRow(ctx, query, country).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("loading default rate for %q: %w", country, err)
	}
	return rate, nil
}

// PostalRate returns the rate for a (country, postal code) pair loaded by
// the rates-ingest tool, falling back to the country default.
func (t *CountryRateTable) PostalRate(ctx context.Context, country, postalCode string) (decimal.Decimal, error) {
	const query = `SELECT rate FROM postal_rates WHERE country = $1 AND postal_code = $2`

	var rate decimal.Decimal
	err := t.pool.QueryRow(ctx, query, country, postalCode).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t.Default(ctx, country)
		}
		return decimal.Zero, fmt.Errorf("loading postal rate for %s/%s: %w", country, postalCode, err)
	}
	return rate, nil
}
