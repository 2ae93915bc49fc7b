package types //nolint:revive // types is a valid package name

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseMediaKind(t *testing.T) {
	tests := []struct {
		in      string
		want    MediaKind
		wantErr bool
	}{
		{"image", MediaImage, false},
		{"VIDEO", MediaVideo, false},
		{" video ", MediaVideo, false},
		{"audio", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMediaKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMediaKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMediaKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMediaKindDefaults(t *testing.T) {
	if MediaImage.InlineField() != "imageBase64" {
		t.Errorf("image inline field = %q", MediaImage.InlineField())
	}
	if MediaVideo.InlineField() != "videoBase64" {
		t.Errorf("video inline field = %q", MediaVideo.InlineField())
	}
	if MediaVideo.DefaultMIME() != "video/mp4" {
		t.Errorf("video mime = %q", MediaVideo.DefaultMIME())
	}
	if MediaImage.Title() != "Image" {
		t.Errorf("image title = %q", MediaImage.Title())
	}
}

func TestStateMachine_LegalPath(t *testing.T) {
	now := time.Now()
	m := NewStateMachine(now)

	for _, s := range []RequestState{StateStaged, StateDispatched, StateCompleted} {
		if err := m.Transition(s, now); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	if !m.Current().IsTerminal() {
		t.Errorf("expected terminal state, got %s", m.Current())
	}
	if len(m.History()) != 4 {
		t.Errorf("expected 4 history entries, got %d", len(m.History()))
	}
}

func TestStateMachine_IllegalTransition(t *testing.T) {
	m := NewStateMachine(time.Now())

	if err := m.Transition(StateDispatched, time.Now()); err == nil {
		t.Fatal("expected error for received -> dispatched")
	}
	if m.Current() != StateReceived {
		t.Errorf("state changed on illegal transition: %s", m.Current())
	}

	_ = m.Transition(StateFailed, time.Now())
	if err := m.Transition(StateStaged, time.Now()); err == nil {
		t.Error("expected error leaving terminal state")
	}
}

func TestPipelineError_IsAndAs(t *testing.T) {
	base := errors.New("exec: not found")
	err := fmt.Errorf("dispatch: %w", NewPipelineError(KindSpawn, "spawn", base))

	if !errors.Is(err, ErrSpawn) {
		t.Error("expected errors.Is(err, ErrSpawn)")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("did not expect errors.Is(err, ErrTimeout)")
	}
	if !errors.Is(err, base) {
		t.Error("expected underlying error in chain")
	}
	if KindOf(err) != KindSpawn {
		t.Errorf("KindOf = %s, want %s", KindOf(err), KindSpawn)
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("unclassified errors should be internal")
	}
}

func TestWorkerFailureError(t *testing.T) {
	err := WorkerFailureError(1, "decode error")
	if err.ExitCode == nil || *err.ExitCode != 1 {
		t.Fatalf("exit code = %v", err.ExitCode)
	}
	if err.Detail != "decode error" {
		t.Errorf("detail = %q", err.Detail)
	}
	if got := err.Error(); got != "WorkerFailure: wait (exit code 1)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestResponsePayload_Validate(t *testing.T) {
	inline := &InlineBase64{MIME: "image/jpeg", Data: "AAEC"}
	streamed := NewStreamedFile("/tmp/x.mp4", "video/mp4", 3, nil)

	if err := (&ResponsePayload{Inline: inline}).Validate(); err != nil {
		t.Errorf("inline only: %v", err)
	}
	if err := (&ResponsePayload{Streamed: streamed}).Validate(); err != nil {
		t.Errorf("streamed only: %v", err)
	}
	if err := (&ResponsePayload{Inline: inline, Streamed: streamed}).Validate(); err == nil {
		t.Error("expected error for both variants")
	}
	if err := (&ResponsePayload{}).Validate(); err == nil {
		t.Error("expected error for no variant")
	}
	if inline.DataURI() != "data:image/jpeg;base64,AAEC" {
		t.Errorf("DataURI = %q", inline.DataURI())
	}
}

func TestStreamedFile_ReleaseOnce(t *testing.T) {
	calls := 0
	f := NewStreamedFile("/tmp/x.mp4", "video/mp4", 0, func() { calls++ })
	f.Release()
	f.Release()
	if calls != 1 {
		t.Errorf("release called %d times, want 1", calls)
	}

	var nilFile *StreamedFile
	nilFile.Release()
}

func TestUploadHandle_ReleaseOnce(t *testing.T) {
	h := &UploadHandle{Path: "/tmp/a"}
	calls := 0
	if !h.ReleaseOnce(func() { calls++ }) {
		t.Error("first release should run")
	}
	if h.ReleaseOnce(func() { calls++ }) {
		t.Error("second release should not run")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
