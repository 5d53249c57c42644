package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shop-discount/internal/domain/discount"
	"github.com/xenking/shop-discount/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	maxCodeLen    = 30
	maxFiles      = 64
)

// codeStore persists imported codes.
type codeStore interface {
	CreateCodes(ctx context.Context, template *discount.Code, codes []string) (int64, error)
}

// fileResult holds the codes of a single file after pass 2.
type fileResult struct {
	// unique codes are absent from every other file's filter.
	unique []string
	// candidates may also be in other files; the mask has this file's bit.
	candidates map[string]uint
}

func main() {
	var (
		pattern     string
		databaseURL string
		templateID  string
		capacity    uint
		batchSize   int
	)

	flag.StringVar(&pattern, "files", "data/codes*.gz", "glob of gzip files with one code per line")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&templateID, "template-id", "", "discount whose settings every imported code copies")
	flag.UintVar(&capacity, "capacity", 10_000_000, "expected codes per file, sizes the bloom filters")
	flag.IntVar(&batchSize, "batch-size", 5_000, "codes per insert batch")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if templateID == "" {
		slog.Error("template discount is required: set --template-id")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, databaseURL, templateID, capacity, batchSize); err != nil {
		slog.Error("code import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("code import completed successfully")
}

func run(ctx context.Context, pattern, databaseURL, templateID string, capacity uint, batchSize int) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", pattern)
	}
	if len(files) > maxFiles {
		return errors.Errorf("too many files: %d, at most %d", len(files), maxFiles)
	}
	sort.Strings(files)

	unique, duplicates, err := splitCodes(ctx, files, capacity)
	if err != nil {
		return err
	}

	slog.Info("codes classified",
		slog.Int("unique", len(unique)),
		slog.Int("rejected_duplicates", len(duplicates)),
	)

	if len(unique) == 0 {
		slog.Info("no codes to insert")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewDiscountRepository(pool)
	template, err := repo.FindByID(ctx, templateID)
	if err != nil {
		return errors.Wrapf(err, "load template %s", templateID)
	}

	if err := writeCodes(ctx, repo, template, unique, batchSize); err != nil {
		return errors.Wrap(err, "write codes to database")
	}

	return nil
}

// splitCodes separates codes found in exactly one file from codes found in
// several. Codes that occur in more than one file are ambiguous and are not
// imported.
func splitCodes(ctx context.Context, files []string, capacity uint) (unique, duplicates []string, err error) {
	// Pass 1: Build bloom filters concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, err := buildBloomFilters(ctx, files, capacity)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: Test every code against the other files' filters.
	slog.Info("pass 2: finding codes shared between files")

	results := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(scanFile(gctx, i, f, filters, results))
	}
	if err := g.Wait(); err != nil {
		return nil, nil, errors.Wrap(err, "scan files")
	}

	// A bloom hit is exact only when both files report the code.
	merged := make(map[string]uint)
	for _, r := range results {
		unique = append(unique, r.unique...)
		for code, mask := range r.candidates {
			merged[code] |= mask
		}
	}
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			duplicates = append(duplicates, code)
		} else {
			unique = append(unique, code)
		}
	}

	sort.Strings(unique)
	unique = dedupe(unique)
	sort.Strings(duplicates)
	return unique, duplicates, nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			count, err := streamGzFile(ctx, f, func(code string) {
				filter.AddString(code)
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", f)
			}

			slog.Info("pass 1 complete", slog.String("file", f), slog.Uint64("codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func scanFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	results []fileResult,
) func() error {
	return func() error {
		res := fileResult{candidates: make(map[string]uint)}
		fileBit := uint(1) << uint(idx)

		count, err := streamGzFile(ctx, path, func(code string) {
			for j, f := range filters {
				if j != idx && f.TestString(code) {
					res.candidates[code] |= fileBit
					return
				}
			}
			res.unique = append(res.unique, code)
		})
		if err != nil {
			return errors.Wrapf(err, "scan %s", path)
		}

		slog.Info("pass 2 complete",
			slog.String("file", path),
			slog.Uint64("codes", count),
			slog.Int("candidates", len(res.candidates)),
		)

		results[idx] = res
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each valid code.
// Blank lines are skipped; codes longer than maxCodeLen fail the import.
func streamGzFile(ctx context.Context, path string, fn func(code string)) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var (
		count uint64
		line  int
	)
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return count, err
		}

		code := strings.TrimSpace(scanner.Text())
		if code == "" {
			continue
		}
		if len(code) > maxCodeLen {
			return count, errors.Errorf("%s:%d: code longer than %d characters", path, line, maxCodeLen)
		}

		fn(code)
		count++
		if count%progressEvery == 0 {
			slog.Info("progress", slog.String("file", path), slog.Uint64("codes", count))
		}
	}

	if err := scanner.Err(); err != nil {
		return count, errors.Wrapf(err, "scan %s", path)
	}
	return count, nil
}

// writeCodes inserts codes in batches, each a copy of template.
func writeCodes(ctx context.Context, store codeStore, template *discount.Code, codes []string, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(codes)
	}
	slog.Info("writing codes to database", slog.Int("count", len(codes)), slog.String("template", template.ID))

	var inserted int64
	for start := 0; start < len(codes); start += batchSize {
		end := min(start+batchSize, len(codes))

		n, err := store.CreateCodes(ctx, template, codes[start:end])
		if err != nil {
			return errors.Wrapf(err, "insert batch at %d", start)
		}
		inserted += n

		slog.Info("write progress",
			slog.Int("written", end),
			slog.Int("total", len(codes)),
			slog.Int64("inserted", inserted),
		)
	}

	if skipped := int64(len(codes)) - inserted; skipped > 0 {
		slog.Info("existing codes skipped", slog.Int64("count", skipped))
	}
	return nil
}

// dedupe removes adjacent repeats from a sorted slice.
func dedupe(codes []string) []string {
	out := codes[:0]
	for i, c := range codes {
		if i > 0 && c == codes[i-1] {
			continue
		}
		out = append(out, c)
	}
	return out
}
