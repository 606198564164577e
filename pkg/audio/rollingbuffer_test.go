package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"tabscribe/pkg/audio"
)

func newTestRollingBuffer(t *testing.T) *audio.RollingBuffer {
	t.Helper()
	// 100Hz, 60s window: capacity 6000 samples.
	return audio.NewRollingBuffer(60*time.Second, 100)
}

func TestRollingBuffer_TimeAccounting(t *testing.T) {
	b := newTestRollingBuffer(t)
	b.Append(make([]float32, 250)) // 2.5s
	if got := b.EndTime(); got != 2.5 {
		t.Errorf("end time = %v, want 2.5", got)
	}
	if got := b.StartTime(); got != 0 {
		t.Errorf("start time = %v, want 0", got)
	}
}

func TestRollingBuffer_Wraparound(t *testing.T) {
	b := newTestRollingBuffer(t)

	// Append 65s in 1s blocks; the window never exceeds 60s.
	for i := 0; i < 65; i++ {
		b.Append(make([]float32, 100))
	}

	if got := b.EndTime(); got != 65 {
		t.Fatalf("end time = %v, want 65", got)
	}
	if got := b.StartTime(); got != 5 {
		t.Fatalf("start time = %v, want 5 (oldest 5s evicted)", got)
	}

	// The evicted head is gone.
	if _, _, err := b.Extract(0, 5); !errors.Is(err, audio.ErrOutOfRange) {
		t.Errorf("extract of evicted range: err = %v, want ErrOutOfRange", err)
	}

	// The surviving window is fully extractable.
	if _, dur, err := b.Extract(5, 65); err != nil || dur != 60 {
		t.Errorf("extract of surviving window: dur = %v, err = %v", dur, err)
	}
}

func TestRollingBuffer_ExtractRoundTrip(t *testing.T) {
	b := newTestRollingBuffer(t)

	src := make([]float32, 300) // 3s
	for i := range src {
		src[i] = float32(math.Sin(float64(i) / 10))
	}
	b.Append(src)

	wire, dur, err := b.Extract(1, 2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if dur != 1 {
		t.Errorf("duration = %v, want 1", dur)
	}

	got, err := audio.DecodeWire(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, err := audio.DecodeWire(audio.EncodeWire(src[100:200]))
	if err != nil {
		t.Fatalf("decode reference: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRollingBuffer_ExtractErrors(t *testing.T) {
	b := newTestRollingBuffer(t)
	b.Append(make([]float32, 500)) // 5s buffered, [0, 5]

	tests := []struct {
		name       string
		start, end float64
		want       error
	}{
		{"inverted range", 3, 1, audio.ErrInvalidRange},
		{"equal bounds", 2, 2, audio.ErrInvalidRange},
		{"past the end", 4, 6, audio.ErrOutOfRange},
		{"before the start", -1, 2, audio.ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := b.Extract(tt.start, tt.end)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRollingBuffer_OversizedAppendKeepsTail(t *testing.T) {
	b := newTestRollingBuffer(t)
	big := make([]float32, 7000) // 70s in one write
	for i := range big {
		big[i] = float32(i)
	}
	b.Append(big)

	if got := b.StartTime(); got != 10 {
		t.Fatalf("start time = %v, want 10", got)
	}
	wire, _, err := b.Extract(69, 70)
	if err != nil {
		t.Fatalf("extract newest second: %v", err)
	}
	if _, err := audio.DecodeWire(wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestRollingBuffer_SyncToShiftsWindowKeepingSamples(t *testing.T) {
	b := newTestRollingBuffer(t)
	b.Append(make([]float32, 500)) // 5s buffered, [0, 5]

	// The player reports 8s: the audio is contiguous, just mislabeled.
	b.SyncTo(8)

	if got := b.EndTime(); got != 8 {
		t.Fatalf("end time = %v, want 8", got)
	}
	if got := b.StartTime(); got != 3 {
		t.Fatalf("start time = %v, want 3 (window shifted, not emptied)", got)
	}
	if _, dur, err := b.Extract(4, 6); err != nil || dur != 2 {
		t.Errorf("extract in shifted window: dur = %v, err = %v", dur, err)
	}
}

func TestRollingBuffer_AlignToEmptiesAndRetags(t *testing.T) {
	b := newTestRollingBuffer(t)
	b.Append(make([]float32, 500))

	b.AlignTo(120) // seek: retained audio is discontinuous now

	if got, want := b.EndTime(), 120.0; got != want {
		t.Fatalf("end time = %v, want %v", got, want)
	}
	if _, _, err := b.Extract(118, 119); !errors.Is(err, audio.ErrOutOfRange) {
		t.Errorf("extract after align: err = %v, want ErrOutOfRange", err)
	}

	b.Append(make([]float32, 200)) // 2s after the seek
	if _, dur, err := b.Extract(120, 122); err != nil || dur != 2 {
		t.Errorf("extract of post-seek audio: dur = %v, err = %v", dur, err)
	}
}

func TestRollingBuffer_Clear(t *testing.T) {
	b := newTestRollingBuffer(t)
	b.Append(make([]float32, 300))
	b.Clear()
	if b.EndTime() != 0 || b.StartTime() != 0 {
		t.Errorf("clear left time accounting at [%v, %v]", b.StartTime(), b.EndTime())
	}
	if _, _, err := b.Extract(0, 1); !errors.Is(err, audio.ErrOutOfRange) {
		t.Errorf("extract after clear: err = %v, want ErrOutOfRange", err)
	}
}
