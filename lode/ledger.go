package lode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spotter/runtime"
	"github.com/pithecene-io/spotter/types"
)

// RecordKindReport discriminates report records.
const RecordKindReport = "request_report"

// ErrNoReportsFound is returned when no report matches a query.
var ErrNoReportsFound = errors.New("no request reports found")

// Config selects and configures the ledger backend.
type Config struct {
	// Backend is fs, s3 or memory.
	Backend string
	// Path is the root directory (fs) or bucket[/prefix] (s3).
	Path string
	// S3 holds the S3 options when Backend is s3. Bucket and Prefix are
	// taken from Path when empty.
	S3 S3Config
}

// Validate checks the backend selection.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFS, BackendS3:
		if c.Path == "" {
			return fmt.Errorf("report path is required for %s backend", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid report backend %q (must be fs, s3, or memory)", c.Backend)
	}
	return nil
}

// Ledger persists request reports. Safe for concurrent use.
type Ledger struct {
	dataset lode.Dataset
	backend string

	mu sync.Mutex // serializes snapshot commits; held only by background report writes
}

// Open creates a ledger for the configured backend.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var factory lode.StoreFactory
	switch cfg.Backend {
	case BackendFS:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, WrapInitError(err, cfg.Path)
		}
		factory = lode.NewFSFactory(cfg.Path)
	case BackendMemory:
		factory = lode.NewMemoryFactory()
	case BackendS3:
		s3cfg := cfg.S3
		if s3cfg.Bucket == "" {
			s3cfg.Bucket, s3cfg.Prefix = ParseS3Path(cfg.Path)
		}
		f, err := NewS3Factory(ctx, s3cfg)
		if err != nil {
			return nil, WrapInitError(err, DatasetID)
		}
		factory = f
	}

	ledger, err := NewLedgerWithFactory(factory)
	if err != nil {
		return nil, err
	}
	ledger.backend = cfg.Backend
	return ledger, nil
}

// NewLedgerWithFactory creates a ledger over a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewLedgerWithFactory(factory lode.StoreFactory) (*Ledger, error) {
	ds, err := NewDataset(factory)
	if err != nil {
		return nil, WrapInitError(err, DatasetID)
	}
	return &Ledger{dataset: ds, backend: BackendMemory}, nil
}

// Backend returns the configured backend name.
func (l *Ledger) Backend() string { return l.backend }

// Dataset returns the underlying dataset for queries.
func (l *Ledger) Dataset() lode.Dataset { return l.dataset }

// WriteReport persists one report as a single-record snapshot.
func (l *Ledger) WriteReport(ctx context.Context, report *runtime.RequestReport) error {
	if report == nil || report.RequestID == "" {
		return errors.New("report with request_id is required")
	}
	record, err := toReportRecord(report)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, fmt.Sprintf("%s/%s=%s/%s=%s", DatasetID,
			PartitionKind, record[PartitionKind], PartitionDay, record[PartitionDay]))
	}
	return nil
}

// Close releases ledger resources. The dataset holds no open handles.
func (l *Ledger) Close() error { return nil }

var _ runtime.ReportSink = (*Ledger)(nil)

// toReportRecord flattens a report into the stored map, adding the
// discriminator and partition keys.
func toReportRecord(report *runtime.RequestReport) (map[string]any, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("flatten report: %w", err)
	}

	kind := string(report.Kind)
	if kind == "" {
		kind = "unknown"
	}
	record["record_kind"] = RecordKindReport
	record["spotter_version"] = types.Version
	record[PartitionKind] = kind
	record[PartitionDay] = DeriveDay(report.StartedAt)
	record[PartitionOutcome] = report.Outcome()
	return record, nil
}

// fromReportRecord restores a report from a stored record.
func fromReportRecord(record map[string]any) (*runtime.RequestReport, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var report runtime.RequestReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Query filters stored reports. Empty fields match everything.
type Query struct {
	RequestID string
	Kind      string
	Day       string
	Outcome   string
	// Limit caps the number of reports returned. Zero means no cap.
	Limit int
}

// QueryReports returns matching reports, newest first. Partition filters
// prune snapshots by path; record fields are authoritative.
func QueryReports(ctx context.Context, ds lode.Dataset, q Query) ([]*runtime.RequestReport, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, DatasetID+"/snapshots")
	}

	var out []*runtime.RequestReport
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotMatchesFilter(snap, PartitionKind, q.Kind) ||
			!snapshotMatchesFilter(snap, PartitionDay, q.Day) ||
			!snapshotMatchesFilter(snap, PartitionOutcome, q.Outcome) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", DatasetID, snap.ID))
		}

		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindReport {
				continue
			}
			if !recordMatches(record, q) {
				continue
			}
			report, err := fromReportRecord(record)
			if err != nil {
				continue
			}
			out = append(out, report)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoReportsFound
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func recordMatches(record map[string]any, q Query) bool {
	for key, want := range map[string]string{
		"request_id":     q.RequestID,
		PartitionKind:    q.Kind,
		PartitionDay:     q.Day,
		PartitionOutcome: q.Outcome,
	} {
		if want == "" {
			continue
		}
		if got, _ := record[key].(string); got != want {
			return false
		}
	}
	return true
}
