package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/spotter/iox"
	"github.com/pithecene-io/spotter/types"
)

// BatchConfig configures local batch processing.
type BatchConfig struct {
	// Parallel is the maximum number of concurrent requests.
	Parallel int
	// MaxItems caps the number of requests run. Zero means no cap.
	MaxItems int
}

// BatchItem is one local file to process.
type BatchItem struct {
	// Path is the input file.
	Path string
	// Kind is the media kind.
	Kind types.MediaKind
	// DedupKey identifies identical inputs. Filled by the operator.
	DedupKey string
}

// BatchProcessor processes one item and returns its report.
type BatchProcessor func(ctx context.Context, item BatchItem) (*RequestReport, error)

// BatchResult aggregates batch statistics.
type BatchResult struct {
	Total     int64
	Succeeded int64
	Failed    int64
	// Deduped counts inputs skipped because identical content was already queued.
	Deduped int64
	// Skipped counts inputs beyond MaxItems or unreadable inputs.
	Skipped int64
	// Reports holds each processed item's report, keyed by input path.
	Reports map[string]*RequestReport
}

// BatchOperator runs many local files through a processor with bounded
// concurrency. Inputs with identical content and kind run once.
type BatchOperator struct {
	config  BatchConfig
	process BatchProcessor

	mu   sync.Mutex
	seen map[string]struct{}

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	deduped   atomic.Int64
	skipped   atomic.Int64

	reportsMu sync.Mutex
	reports   map[string]*RequestReport
}

// NewBatchOperator creates a batch operator.
func NewBatchOperator(config BatchConfig, process BatchProcessor) *BatchOperator {
	if config.Parallel <= 0 {
		config.Parallel = 1
	}
	return &BatchOperator{
		config:  config,
		process: process,
		seen:    make(map[string]struct{}),
		reports: make(map[string]*RequestReport),
	}
}

// admit computes the dedup key and reserves a slot. Returns false when the
// item is a duplicate, unreadable or over the cap.
func (b *BatchOperator) admit(item *BatchItem) bool {
	key, err := computeDedupKey(item.Kind, item.Path)
	if err != nil {
		b.skipped.Add(1)
		return false
	}
	item.DedupKey = key

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.seen[key]; exists {
		b.deduped.Add(1)
		return false
	}
	if b.config.MaxItems > 0 && len(b.seen) >= b.config.MaxItems {
		b.skipped.Add(1)
		return false
	}
	b.seen[key] = struct{}{}
	return true
}

// Run processes items and blocks until all admitted items finish or ctx
// is canceled.
func (b *BatchOperator) Run(ctx context.Context, items []BatchItem) BatchResult {
	var g errgroup.Group
	g.SetLimit(b.config.Parallel)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !b.admit(&item) {
			continue
		}
		g.Go(func() error {
			report, err := b.process(ctx, item)
			b.total.Add(1)
			if err != nil || !report.Succeeded() {
				b.failed.Add(1)
			} else {
				b.succeeded.Add(1)
			}
			if report != nil {
				b.reportsMu.Lock()
				b.reports[item.Path] = report
				b.reportsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return b.Results()
}

// Results returns the aggregate batch statistics.
func (b *BatchOperator) Results() BatchResult {
	b.reportsMu.Lock()
	defer b.reportsMu.Unlock()

	reports := make(map[string]*RequestReport, len(b.reports))
	for k, v := range b.reports {
		reports[k] = v
	}

	return BatchResult{
		Total:     b.total.Load(),
		Succeeded: b.succeeded.Load(),
		Failed:    b.failed.Load(),
		Deduped:   b.deduped.Load(),
		Skipped:   b.skipped.Load(),
		Reports:   reports,
	}
}

// computeDedupKey hashes kind and file content. The file is streamed.
func computeDedupKey(kind types.MediaKind, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer iox.DiscardClose(f)

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0x00}) // separator
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PrintBatchSummary writes a human-readable batch summary.
func PrintBatchSummary(w io.Writer, result BatchResult) {
	_, _ = fmt.Fprintf(w, "\n=== Batch Summary ===\n")
	_, _ = fmt.Fprintf(w, "Requests:  %d total, %d succeeded, %d failed\n",
		result.Total, result.Succeeded, result.Failed)
	_, _ = fmt.Fprintf(w, "Inputs:    %d deduped, %d skipped\n", result.Deduped, result.Skipped)

	if len(result.Reports) > 0 {
		_, _ = fmt.Fprintf(w, "\n--- Results ---\n")
		paths := make([]string, 0, len(result.Reports))
		for p := range result.Reports {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			r := result.Reports[p]
			_, _ = fmt.Fprintf(w, "  %s: outcome=%s, request=%s, duration=%dms\n",
				p, r.Outcome(), r.RequestID, r.DurationMs)
		}
	}
}
