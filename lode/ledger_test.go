package lode

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spotter/runtime"
	"github.com/pithecene-io/spotter/types"
)

func testReport(id string, kind types.MediaKind, errKind types.ErrorKind, started time.Time) *runtime.RequestReport {
	r := &runtime.RequestReport{
		RequestID:  id,
		Kind:       kind,
		State:      types.StateCompleted,
		Message:    kind.Title() + " detection completed!",
		Response:   types.ResponseInline,
		StartedAt:  started,
		DurationMs: 1200,
		InputBytes: 2048,
		History: []types.StateTransition{
			{State: types.StateReceived, At: started},
			{State: types.StateCompleted, At: started.Add(time.Second)},
		},
	}
	if errKind != "" {
		exit := 1
		r.State = types.StateFailed
		r.ErrorKind = errKind
		r.ExitCode = &exit
		r.Response = ""
		r.Message = kind.Title() + " detection failed!"
	}
	return r
}

func newMemoryLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedgerWithFactory(lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("NewLedgerWithFactory: %v", err)
	}
	return l
}

func TestLedger_WriteAndQuery(t *testing.T) {
	l := newMemoryLedger(t)
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	reports := []*runtime.RequestReport{
		testReport("req-1", types.MediaImage, "", day1),
		testReport("req-2", types.MediaVideo, types.KindTimeout, day1.Add(time.Hour)),
		testReport("req-3", types.MediaImage, types.KindWorkerFailure, day2),
		testReport("req-4", types.MediaImage, "", day2.Add(time.Hour)),
	}
	for _, r := range reports {
		if err := l.WriteReport(t.Context(), r); err != nil {
			t.Fatalf("WriteReport(%s): %v", r.RequestID, err)
		}
	}

	tests := []struct {
		name    string
		query   Query
		wantIDs []string
	}{
		{"all newest first", Query{}, []string{"req-4", "req-3", "req-2", "req-1"}},
		{"by kind", Query{Kind: "video"}, []string{"req-2"}},
		{"by day", Query{Day: "2026-03-02"}, []string{"req-4", "req-3"}},
		{"by outcome", Query{Outcome: "completed"}, []string{"req-4", "req-1"}},
		{"by error outcome", Query{Outcome: string(types.KindWorkerFailure)}, []string{"req-3"}},
		{"by request id", Query{RequestID: "req-2"}, []string{"req-2"}},
		{"limit", Query{Kind: "image", Limit: 2}, []string{"req-4", "req-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := QueryReports(t.Context(), l.Dataset(), tt.query)
			if err != nil {
				t.Fatalf("QueryReports: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d reports, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].RequestID != id {
					t.Errorf("report[%d] = %s, want %s", i, got[i].RequestID, id)
				}
			}
		})
	}
}

func TestLedger_RoundTripFields(t *testing.T) {
	l := newMemoryLedger(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	want := testReport("req-1", types.MediaVideo, types.KindWorkerFailure, started)
	want.Detail = "decode error"

	if err := l.WriteReport(t.Context(), want); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	got, err := QueryReports(t.Context(), l.Dataset(), Query{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("QueryReports: %v", err)
	}
	r := got[0]
	if r.Kind != types.MediaVideo || r.State != types.StateFailed || r.ErrorKind != types.KindWorkerFailure {
		t.Errorf("identity = %+v", r)
	}
	if r.ExitCode == nil || *r.ExitCode != 1 || r.Detail != "decode error" {
		t.Errorf("failure fields = %v/%q", r.ExitCode, r.Detail)
	}
	if !r.StartedAt.Equal(started) || len(r.History) != 2 || r.InputBytes != 2048 {
		t.Errorf("timing fields = %+v", r)
	}
}

func TestLedger_NoReports(t *testing.T) {
	l := newMemoryLedger(t)
	if _, err := QueryReports(t.Context(), l.Dataset(), Query{}); !errors.Is(err, ErrNoReportsFound) {
		t.Fatalf("err = %v, want ErrNoReportsFound", err)
	}

	if err := l.WriteReport(t.Context(), testReport("req-1", types.MediaImage, "", time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := QueryReports(t.Context(), l.Dataset(), Query{Kind: "video"}); !errors.Is(err, ErrNoReportsFound) {
		t.Fatalf("err = %v, want ErrNoReportsFound", err)
	}
}

func TestLedger_RejectsAnonymousReport(t *testing.T) {
	l := newMemoryLedger(t)
	if err := l.WriteReport(t.Context(), &runtime.RequestReport{}); err == nil {
		t.Fatal("expected error for report without request_id")
	}
	if err := l.WriteReport(t.Context(), nil); err == nil {
		t.Fatal("expected error for nil report")
	}
}

func TestToReportRecord(t *testing.T) {
	started := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	record, err := toReportRecord(testReport("req-1", "", types.KindInvalidUpload, started))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"record_kind":    RecordKindReport,
		PartitionKind:    "unknown",
		PartitionDay:     "2026-03-02", // UTC
		PartitionOutcome: string(types.KindInvalidUpload),
		"request_id":     "req-1",
	}
	for k, v := range want {
		if record[k] != v {
			t.Errorf("record[%s] = %v, want %s", k, record[k], v)
		}
	}
	if record["spotter_version"] != types.Version {
		t.Errorf("spotter_version = %v", record["spotter_version"])
	}
}

func TestOpen(t *testing.T) {
	t.Run("fs creates root", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "reports", "nested")
		l, err := Open(t.Context(), Config{Backend: BackendFS, Path: root})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer func() { _ = l.Close() }()
		if l.Backend() != BackendFS {
			t.Errorf("Backend = %s", l.Backend())
		}
		if err := l.WriteReport(t.Context(), testReport("req-1", types.MediaImage, "", time.Now())); err != nil {
			t.Fatalf("WriteReport: %v", err)
		}
		got, err := QueryReports(t.Context(), l.Dataset(), Query{})
		if err != nil || len(got) != 1 {
			t.Fatalf("QueryReports = %v, %v", got, err)
		}
	})

	invalid := []Config{
		{Backend: "gcs", Path: "x"},
		{Backend: BackendFS},
		{Backend: BackendS3},
	}
	for _, cfg := range invalid {
		if _, err := Open(t.Context(), cfg); err == nil {
			t.Errorf("Open(%+v) succeeded", cfg)
		}
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		path, bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/reports", "bucket", "reports"},
		{"s3://bucket/a/b/", "bucket", "a/b"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.path)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.path, b, p)
		}
	}
}

func TestMatchesPartitionValue(t *testing.T) {
	path := "datasets/spotter/partitions/kind=image/day=2026-03-01/outcome=completed/data.jsonl"
	tests := []struct {
		key, value string
		want       bool
	}{
		{PartitionKind, "image", true},
		{PartitionKind, "imag", false},
		{PartitionOutcome, "completed", true},
		{PartitionDay, "2026-03-0", false},
	}
	for _, tt := range tests {
		if got := matchesPartitionValue(path, tt.key, tt.value); got != tt.want {
			t.Errorf("matchesPartitionValue(%s=%s) = %v", tt.key, tt.value, got)
		}
	}
}
