// Command rates-ingest bulk-loads postal-code tax rates from gzipped supplier
// dumps. Each dump is a CSV of country,postal_code,rate lines; a rate is
// trusted only when at least two independent dumps carry the same
// country+postal key, which filters out single-supplier typos. Pass 1 builds
// one bloom filter per file, pass 2 confirms candidates against the other
// files' filters, then the surviving rates are batch-upserted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/merchkit/tax-engine/internal/storage/postgres"
)

const (
	bloomCapacity = 50_000_000
	bloomFPR      = 0.001
	numFiles      = 3
	progressEvery = 5_000_000
	batchSize     = 1000
)

// rateLine is one parsed country,postal_code,rate record.
type rateLine struct {
	country string
	postal  string
	rate    decimal.Decimal
}

// key is the dedup identity of a record; the rate itself does not
// participate, so two dumps disagreeing on the rate still confirm the key
// and the later file wins.
func (l rateLine) key() string {
	return l.country + "|" + l.postal
}

// fileResult holds confirmed candidates found in a single file during pass 2.
type fileResult struct {
	candidates map[string]uint
	rates      map[string]rateLine
}

func main() {
	var (
		dataDir     string
		databaseURL string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing ratebaseN.gz files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
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

	if err := run(ctx, dataDir, databaseURL); err != nil {
		slog.Error("rates ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("rates ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string) error {
	files := make([]string, numFiles)
	for i := range numFiles {
		files[i] = filepath.Join(dataDir, fmt.Sprintf("ratebase%d.gz", i+1))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	// Pass 1: build bloom filters concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", numFiles))

	filters, err := buildBloomFilters(ctx, files)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: confirm keys appearing in 2+ files.
	slog.Info("pass 2: confirming rate candidates")

	confirmed, err := findConfirmedRates(ctx, files, filters)
	if err != nil {
		return errors.Wrap(err, "confirm rates")
	}

	slog.Info("confirmed rates", slog.Int("count", len(confirmed)))

	if len(confirmed) == 0 {
		slog.Info("no confirmed rates to insert")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := writeRates(ctx, pool, confirmed); err != nil {
		return errors.Wrap(err, "write rates to database")
	}

	return nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(buildFilterForFile(ctx, i, f, filters))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return filters, nil
}

func buildFilterForFile(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter) func() error {
	return func() error {
		filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		var count uint64

		if err := streamGzFile(ctx, path, func(line rateLine) {
			filter.AddString(line.key())
			count++
			if count%progressEvery == 0 {
				slog.Info("pass 1 progress",
					slog.Int("file", idx+1),
					slog.Uint64("records", count),
				)
			}
		}); err != nil {
			return errors.Wrapf(err, "build filter for file %d", idx+1)
		}

		slog.Info("pass 1 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_records", count),
		)

		filters[idx] = filter
		return nil
	}
}

// findConfirmedRates re-streams each file and checks keys against OTHER
// files' bloom filters. A rate is confirmed when its key appears in 2 or
// more files.
func findConfirmedRates(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]rateLine, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(findCandidatesInFile(ctx, i, f, filters, results))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge bitmasks from all files; the last file's rate value wins for
	// keys present in several.
	merged := make(map[string]uint)
	rates := make(map[string]rateLine)
	for _, r := range results {
		for key, mask := range r.candidates {
			merged[key] |= mask
			rates[key] = r.rates[key]
		}
	}

	var confirmed []rateLine
	for key, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			confirmed = append(confirmed, rates[key])
		}
	}

	return confirmed, nil
}

func findCandidatesInFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	results []fileResult,
) func() error {
	return func() error {
		candidates := make(map[string]uint)
		rates := make(map[string]rateLine)
		fileBit := uint(1) << uint(idx)
		var count uint64

		if err := streamGzFile(ctx, path, func(line rateLine) {
			count++
			if count%progressEvery == 0 {
				slog.Info("pass 2 progress",
					slog.Int("file", idx+1),
					slog.Uint64("records", count),
				)
			}

			// Check if this key appears in any OTHER file's bloom filter.
			key := line.key()
			for j, f := range filters {
				if j == idx {
					continue
				}
				if f.TestString(key) {
					candidates[key] |= fileBit
					rates[key] = line
					break
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "scan file %d for candidates", idx+1)
		}

		slog.Info("pass 2 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_records", count),
			slog.Int("candidates", len(candidates)),
		)

		results[idx] = fileResult{candidates: candidates, rates: rates}
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each parseable
// line. Malformed lines are skipped silently; supplier dumps carry headers
// and trailing garbage.
func streamGzFile(ctx context.Context, path string, fn func(line rateLine)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if line, ok := parseLine(scanner.Text()); ok {
			fn(line)
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// parseLine parses a country,postal_code,rate record. Rates must be within
// [0, 1); anything else is a malformed line.
func parseLine(s string) (rateLine, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ",", 3)
	if len(parts) != 3 {
		return rateLine{}, false
	}
	country := strings.ToUpper(strings.TrimSpace(parts[0]))
	postal := strings.TrimSpace(parts[1])
	if len(country) != 2 || postal == "" {
		return rateLine{}, false
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
	if err != nil || rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return rateLine{}, false
	}
	return rateLine{country: country, postal: postal, rate: rate}, true
}

// writeRates upserts all confirmed rates in batches.
func writeRates(ctx context.Context, pool *pgxpool.Pool, rates []rateLine) error {
	slog.Info("writing rates to database", slog.Int("count", len(rates)))

	const query = `
		INSERT INTO postal_rates (country, postal_code, rate)
		VALUES ($1, $2, $3)
		ON CONFLICT (country, postal_code) DO UPDATE SET rate = EXCLUDED.rate`

	written := 0
	for start := 0; start < len(rates); start += batchSize {
		end := min(start+batchSize, len(rates))

		batch := &pgx.Batch{}
		for _, r := range rates[start:end] {
			batch.Queue(query, r.country, r.postal, r.rate)
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrapf(err, "upsert batch at offset %d", start)
		}

		written = end
		slog.Info("write progress", slog.Int("written", written), slog.Int("total", len(rates)))
	}

	return nil
}
