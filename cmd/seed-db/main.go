// Command seed-db loads the tax policy tables (tax classes, per-country
// class rates, country defaults) from a JSON file and optionally creates a
// demo document for manual testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/storage/postgres"
)

type taxClassJSON struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	DefaultRate  *decimal.Decimal           `json:"default_rate,omitempty"`
	CountryRates map[string]decimal.Decimal `json:"country_rates"`
}

type seedJSON struct {
	TaxClasses   []taxClassJSON             `json:"tax_classes"`
	CountryRates map[string]decimal.Decimal `json:"country_default_rates"`
}

func main() {
	var (
		databaseURL string
		seedFile    string
		demoDoc     bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "seed-file", "db/seed/taxdata.json", "path to tax data JSON file")
	flag.BoolVar(&demoDoc, "demo-document", false, "also create a demo document for manual testing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedFile, demoDoc); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedFile string, demoDoc bool) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("reading seed file", slog.String("path", seedFile))

	data, err := os.ReadFile(seedFile)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	var seed seedJSON
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse seed JSON")
	}

	if err := seedTaxClasses(ctx, pool, seed.TaxClasses); err != nil {
		return errors.Wrap(err, "seed tax classes")
	}
	if err := seedCountryRates(ctx, pool, seed.CountryRates); err != nil {
		return errors.Wrap(err, "seed country rates")
	}
	if demoDoc {
		if err := seedDemoDocument(ctx, postgres.NewDocumentRepository(pool)); err != nil {
			return errors.Wrap(err, "seed demo document")
		}
	}

	return nil
}

func seedTaxClasses(ctx context.Context, pool *pgxpool.Pool, classes []taxClassJSON) error {
	slog.Info("upserting tax classes", slog.Int("count", len(classes)))

	const classQuery = `
		INSERT INTO tax_classes (id, name, default_rate)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, default_rate = EXCLUDED.default_rate`
	const rateQuery = `
		INSERT INTO tax_class_country_rates (tax_class_id, country, rate)
		VALUES ($1, $2, $3)
		ON CONFLICT (tax_class_id, country) DO UPDATE SET rate = EXCLUDED.rate`

	for _, c := range classes {
		if _, err := pool.Exec(ctx, classQuery, c.ID, c.Name, c.DefaultRate); err != nil {
			return errors.Wrapf(err, "upsert tax class %s", c.ID)
		}
		for country, rate := range c.CountryRates {
			if _, err := pool.Exec(ctx, rateQuery, c.ID, country, rate); err != nil {
				return errors.Wrapf(err, "upsert rate %s/%s", c.ID, country)
			}
		}

		slog.Info("upserted tax class", slog.String("id", c.ID), slog.Int("countries", len(c.CountryRates)))
	}

	return nil
}

func seedCountryRates(ctx context.Context, pool *pgxpool.Pool, rates map[string]decimal.Decimal) error {
	slog.Info("upserting country default rates", slog.Int("count", len(rates)))

	const query = `
		INSERT INTO country_default_rates (country, rate)
		VALUES ($1, $2)
		ON CONFLICT (country) DO UPDATE SET rate = EXCLUDED.rate`

	for country, rate := range rates {
		if _, err := pool.Exec(ctx, query, country, rate); err != nil {
			return errors.Wrapf(err, "upsert country rate %s", country)
		}
	}

	return nil
}

func seedDemoDocument(ctx context.Context, repo document.Repository) error {
	token := "demo-" + uuid.NewString()

	doc := &document.Document{
		Token:    token,
		Currency: "EUR",
		Country:  "DE",
		State:    document.StateStale,
		Discount: money.New(decimal.NewFromInt(5), "EUR"),
		Lines: []document.Line{
			{
				ID:            uuid.NewString(),
				SKU:           "DEMO-BOOK",
				Quantity:      2,
				BaseUnitPrice: money.New(decimal.RequireFromString("12.90"), "EUR"),
				ChargeTaxes:   true,
			},
			{
				ID:            uuid.NewString(),
				SKU:           "DEMO-MUG",
				Quantity:      1,
				BaseUnitPrice: money.New(decimal.RequireFromString("8.50"), "EUR"),
				ChargeTaxes:   true,
			},
		},
	}
	if err := repo.Save(ctx, doc); err != nil {
		return err
	}

	slog.Info("created demo document", slog.String("token", token))
	return nil
}
