// Package timeline reconciles asynchronous engine results with video
// playback. Results arrive out of order and refer to audio captured seconds
// ago; the reconciler correlates them by chunk and sequence id, replaces
// interim text instead of accumulating it, dedupes chunk-overlap repeats, and
// keeps the engine's video-time cursor aligned with the player through seeks
// and periodic time-syncs.
package timeline

import (
	"log/slog"
	"sort"
	"sync"

	"tabscribe/internal/bridge"
)

// MinSyncDelta is the smallest video-time jump a routine time-sync is allowed
// to apply. Syncs closer together than this are dropped so cursor churn never
// outpaces the drift it corrects. Seeks bypass the throttle.
const MinSyncDelta = 5.0

// Stream is the engine-session control surface the reconciler drives.
type Stream interface {
	// Seek hard-sets the cursor and discards the engine's decode context.
	Seek(videoTime float64) error

	// SyncTime hard-sets the cursor only.
	SyncTime(videoTime float64)
}

// Capture is the capture-pipeline control surface.
type Capture interface {
	Pause()
	Resume()
	// Reset discards partially assembled audio after a discontinuity and
	// realigns the pattern buffer to the post-jump position.
	Reset(videoTime float64)
}

// Entry is one reconciled span of the transcript timeline.
type Entry struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Sink receives presentation updates as the timeline changes. Calls are
// serialised by the reconciler.
type Sink interface {
	// UpdateInterim replaces the currently displayed provisional text.
	// Empty text clears it.
	UpdateInterim(text string, videoTime float64)

	// AppendFinal delivers newly settled entries.
	AppendFinal(entries []Entry)
}

// NopSink discards all updates.
type NopSink struct{}

func (NopSink) UpdateInterim(string, float64) {}
func (NopSink) AppendFinal([]Entry)           {}

// Reconciler builds a consistent transcript timeline from engine results.
// It implements session.Events. Safe for concurrent use.
type Reconciler struct {
	stream  Stream
	capture Capture
	sink    Sink

	mu         sync.Mutex
	entries    []Entry
	interim    string
	interimSeq int
	lastText   string
	lastSync   float64
	hasSynced  bool
}

// New creates a reconciler. stream and capture may be nil when the caller
// wires playback control elsewhere; sink may be nil to discard updates.
func New(stream Stream, capture Capture, sink Sink) *Reconciler {
	if sink == nil {
		sink = NopSink{}
	}
	return &Reconciler{stream: stream, capture: capture, sink: sink}
}

// Play resumes capture after a pause. Playback control never touches engine
// state: the stream context survives pauses.
func (r *Reconciler) Play() {
	if r.capture != nil {
		r.capture.Resume()
	}
}

// Pause suspends capture. Chunks stop being assembled, so no stale audio
// accumulates while the video is still.
func (r *Reconciler) Pause() {
	if r.capture != nil {
		r.capture.Pause()
	}
}

// Seek realigns everything with a playback jump: the engine's decode context
// is discarded, partially assembled capture audio is dropped, and the
// in-flight interim display is cleared. Entries already settled are kept;
// they remain correct for their timestamps.
func (r *Reconciler) Seek(videoTime float64) error {
	if r.capture != nil {
		r.capture.Reset(videoTime)
	}
	if r.stream != nil {
		if err := r.stream.Seek(videoTime); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.interim = ""
	r.interimSeq = 0
	r.lastText = ""
	r.lastSync = videoTime
	r.hasSynced = true
	r.mu.Unlock()

	r.sink.UpdateInterim("", videoTime)
	return nil
}

// SyncTime corrects cursor drift against the player's reported position.
// Applied at most once per [MinSyncDelta] seconds of playback.
func (r *Reconciler) SyncTime(videoTime float64) {
	r.mu.Lock()
	if r.hasSynced && abs(videoTime-r.lastSync) < MinSyncDelta {
		r.mu.Unlock()
		return
	}
	r.lastSync = videoTime
	r.hasSynced = true
	r.mu.Unlock()

	if r.stream != nil {
		r.stream.SyncTime(videoTime)
	}
}

// Entries returns a copy of the settled timeline, ordered by start time.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Interim returns the current provisional text, if any.
func (r *Reconciler) Interim() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interim, r.interim != ""
}

// HandleReady implements session.Events.
func (r *Reconciler) HandleReady(info bridge.Ready) {
	slog.Info("engine ready", "engine", info.Engine, "model", info.Model, "status", info.Status)
}

// HandleInterim implements session.Events. Interim text replaces what is
// displayed; it never merges. Results older than the newest seen sequence are
// dropped so a slow chunk cannot regress the display.
func (r *Reconciler) HandleInterim(m bridge.InterimTranscription) {
	r.mu.Lock()
	if m.SequenceID < r.interimSeq {
		r.mu.Unlock()
		slog.Debug("dropping stale interim", "sequence", m.SequenceID, "newest", r.interimSeq)
		return
	}
	r.interim = m.Text
	r.interimSeq = m.SequenceID
	r.mu.Unlock()

	r.sink.UpdateInterim(m.Text, m.Timestamp)
}

// HandleFinal implements session.Events. A final result settles its span:
// the interim it supersedes is cleared and the text joins the timeline with
// chunk-overlap repeats trimmed.
func (r *Reconciler) HandleFinal(m bridge.FinalTranscription) {
	var settled []Entry
	if len(m.Segments) > 0 {
		settled = segmentsToEntries(m.Segments)
	} else if m.Text != "" {
		settled = []Entry{{Start: m.Timestamp, End: m.Timestamp, Text: m.Text}}
	}

	r.mu.Lock()
	cleared := false
	if m.SequenceID >= r.interimSeq {
		r.interim = ""
		r.interimSeq = m.SequenceID
		cleared = true
	}
	settled = r.appendLocked(settled)
	r.mu.Unlock()

	// A stale final never clears the display: a newer interim is showing.
	if cleared {
		r.sink.UpdateInterim("", m.Timestamp)
	}
	if len(settled) > 0 {
		r.sink.AppendFinal(settled)
	}
}

// HandleBatch implements session.Events. Batch segments already carry
// absolute timestamps; correlation is positional, not arrival-ordered.
func (r *Reconciler) HandleBatch(m bridge.Transcription) {
	settled := segmentsToEntries(m.Segments)

	r.mu.Lock()
	settled = r.appendLocked(settled)
	r.mu.Unlock()

	if len(settled) > 0 {
		r.sink.AppendFinal(settled)
	}
}

// HandleEngineError implements session.Events. Chunk-scoped errors leave the
// timeline alone; the affected span simply has no text.
func (r *Reconciler) HandleEngineError(m bridge.EngineError) {
	slog.Warn("engine error", "message", m.Message, "chunk", m.ChunkID)
}

// HandleDisconnect implements session.Events.
func (r *Reconciler) HandleDisconnect() {
	r.mu.Lock()
	r.interim = ""
	r.mu.Unlock()
	r.sink.UpdateInterim("", 0)
}

// appendLocked dedupes incoming entries against the newest settled text,
// appends the survivors, and keeps the timeline ordered. Returns what was
// actually appended. Caller holds r.mu.
func (r *Reconciler) appendLocked(in []Entry) []Entry {
	var kept []Entry
	for _, e := range in {
		e.Text = trimOverlap(r.lastText, e.Text)
		if e.Text == "" {
			continue
		}
		r.lastText = e.Text
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		return nil
	}

	r.entries = append(r.entries, kept...)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].Start < r.entries[j].Start
	})
	return kept
}

func segmentsToEntries(segs []bridge.Segment) []Entry {
	out := make([]Entry, 0, len(segs))
	for _, s := range segs {
		if s.Text == "" {
			continue
		}
		out = append(out, Entry{Start: s.Start, End: s.End, Text: s.Text})
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
