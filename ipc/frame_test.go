package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeFrame encodes a payload with length prefix.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, v); err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return buf.Bytes()
}

func TestReadResult_Data(t *testing.T) {
	n := 3
	frame := mustEncode(t, &ResultFrame{
		Type:       ResultFrameType,
		Data:       []byte{0xff, 0xd8, 0xff},
		MIME:       "image/png",
		Detections: &n,
	})

	got, err := ReadResult(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadResult failed: %v", err)
	}
	if !bytes.Equal(got.Data, []byte{0xff, 0xd8, 0xff}) {
		t.Errorf("Data = %v", got.Data)
	}
	if got.MIME != "image/png" {
		t.Errorf("MIME = %q", got.MIME)
	}
	if got.Detections == nil || *got.Detections != 3 {
		t.Errorf("Detections = %v", got.Detections)
	}
}

func TestReadResult_Path(t *testing.T) {
	frame := mustEncode(t, &ResultFrame{Type: ResultFrameType, Path: "/out/r.mp4"})

	got, err := ReadResult(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadResult failed: %v", err)
	}
	if got.Path != "/out/r.mp4" || len(got.Data) != 0 {
		t.Errorf("unexpected frame: %+v", got)
	}
}

func TestReadResult_OneByteReader(t *testing.T) {
	frame := mustEncode(t, &ResultFrame{Type: ResultFrameType, Data: bytes.Repeat([]byte{1}, 4096)})

	got, err := ReadResult(iotest.OneByteReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("ReadResult failed: %v", err)
	}
	if len(got.Data) != 4096 {
		t.Errorf("len(Data) = %d", len(got.Data))
	}
}

func TestReadResult_Errors(t *testing.T) {
	valid := mustEncode(t, &ResultFrame{Type: ResultFrameType, Data: []byte("x")})
	both := mustEncode(t, &ResultFrame{Type: ResultFrameType, Data: []byte("x"), Path: "/p"})
	neither := mustEncode(t, &ResultFrame{Type: ResultFrameType})
	wrongType, _ := msgpack.Marshal(map[string]any{"type": "event", "data": []byte("x")})

	oversized := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(oversized, MaxPayloadSize+1)

	tests := []struct {
		name  string
		input []byte
		kind  FrameErrorKind
		fatal bool
	}{
		{"empty stream", nil, FrameErrorPartial, true},
		{"short prefix", []byte{0, 0}, FrameErrorPartial, true},
		{"short payload", valid[:len(valid)-1], FrameErrorPartial, true},
		{"oversized", oversized, FrameErrorTooLarge, true},
		{"garbage payload", encodeFrame([]byte{0xc1}), FrameErrorDecode, false},
		{"trailing bytes", append(append([]byte{}, valid...), '\n'), FrameErrorTrailing, false},
		{"both variants", both, FrameErrorInvalid, false},
		{"no variant", neither, FrameErrorInvalid, false},
		{"wrong type", encodeFrame(wrongType), FrameErrorInvalid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadResult(bytes.NewReader(tt.input))
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FrameError, got %T: %v", err, err)
			}
			if fe.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", fe.Kind, tt.kind)
			}
			if IsFatalFrameError(err) != tt.fatal {
				t.Errorf("IsFatalFrameError = %v, want %v", IsFatalFrameError(err), tt.fatal)
			}
		})
	}
}

func TestFrameDecoder_CleanEOF(t *testing.T) {
	dec := NewFrameDecoder(bytes.NewReader(nil))
	if _, err := dec.ReadFrame(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	err := EncodeFrame(io.Discard, &ResultFrame{Type: ResultFrameType, Data: make([]byte, MaxPayloadSize)})
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorTooLarge {
		t.Fatalf("expected too-large error, got %v", err)
	}
}

func BenchmarkReadResult(b *testing.B) {
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, &ResultFrame{Type: ResultFrameType, Data: bytes.Repeat([]byte{7}, 256*1024)}); err != nil {
		b.Fatal(err)
	}
	frame := buf.Bytes()

	b.ReportAllocs()
	b.SetBytes(int64(len(frame)))
	for b.Loop() {
		if _, err := ReadResult(bytes.NewReader(frame)); err != nil {
			b.Fatal(err)
		}
	}
}
