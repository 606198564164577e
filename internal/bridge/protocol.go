package bridge

import (
	"encoding/json"
	"fmt"
)

// MessageType is the tag carried in every protocol message's "type" field.
type MessageType string

// Outbound message types (extension → engine).
const (
	TypeInit              MessageType = "init"
	TypeTranscribe        MessageType = "transcribe"
	TypeStreamChunk       MessageType = "stream_chunk"
	TypeReset             MessageType = "reset"
	TypeResetStreaming    MessageType = "reset_streaming"
	TypeFinalizeStreaming MessageType = "finalize_streaming"
	TypeShutdown          MessageType = "shutdown"
	TypePing              MessageType = "ping"
	TypeInitPatterns      MessageType = "init_patterns"
	TypeLearnPattern      MessageType = "learn_pattern"
)

// Inbound message types (engine → extension).
const (
	TypeReady          MessageType = "ready"
	TypeTranscription  MessageType = "transcription"
	TypeInterim        MessageType = "interim_transcription"
	TypeFinal          MessageType = "final_transcription"
	TypeError          MessageType = "error"
	TypePong           MessageType = "pong"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeStatus         MessageType = "status"
	TypeTranscribeAck  MessageType = "transcribe_ack"
	TypeStreamChunkAck MessageType = "stream_chunk_ack"
	TypePatternLearned MessageType = "pattern_learned"
	TypeResetComplete  MessageType = "reset_complete"
)

// Segment is one timed span of transcribed text. Start and End are video
// timestamps in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Outbound is implemented by every message the extension can send to the
// engine. Kind returns the wire tag; [MarshalOutbound] injects it.
type Outbound interface {
	Kind() MessageType
}

// Init starts engine model loading. The engine replies with [Ready],
// possibly before the model has finished loading.
type Init struct {
	Engine        string `json:"engine"`
	Model         string `json:"model"`
	Device        string `json:"device"`
	Language      string `json:"language"`
	StreamingMode bool   `json:"streamingMode"`
	LatencyMode   string `json:"latencyMode,omitempty"`
}

func (Init) Kind() MessageType { return TypeInit }

// Transcribe submits one batch chunk for full transcription with segments.
type Transcribe struct {
	Audio     string  `json:"audio"`
	Timestamp float64 `json:"timestamp"`
	ChunkID   string  `json:"chunkId"`
	Language  string  `json:"language"`
}

func (Transcribe) Kind() MessageType { return TypeTranscribe }

// StreamChunk submits one low-latency streaming chunk.
type StreamChunk struct {
	Audio      string  `json:"audio"`
	Timestamp  float64 `json:"timestamp"`
	ChunkID    string  `json:"chunkId"`
	SequenceID int     `json:"sequenceId"`
	Language   string  `json:"language"`
}

func (StreamChunk) Kind() MessageType { return TypeStreamChunk }

// Reset discards the engine's batch decode context.
type Reset struct{}

func (Reset) Kind() MessageType { return TypeReset }

// ResetStreaming discards the engine's streaming decode context. Sent on
// seek, where new audio is discontinuous with what the engine has seen.
type ResetStreaming struct{}

func (ResetStreaming) Kind() MessageType { return TypeResetStreaming }

// FinalizeStreaming flushes any partially-decoded streaming audio as final
// output before teardown.
type FinalizeStreaming struct {
	Timestamp float64 `json:"timestamp"`
}

func (FinalizeStreaming) Kind() MessageType { return TypeFinalizeStreaming }

// Shutdown asks the engine process to exit.
type Shutdown struct{}

func (Shutdown) Kind() MessageType { return TypeShutdown }

// Ping is the keep-alive probe. The engine answers with [Pong].
type Ping struct{}

func (Ping) Kind() MessageType { return TypePing }

// KnownPattern is a previously learned pattern pushed to the engine at
// session start so it can match against it.
type KnownPattern struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PatternType string    `json:"patternType"`
	Fingerprint []int32   `json:"fingerprint,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// InitPatterns preloads the engine's pattern matcher.
type InitPatterns struct {
	Patterns []KnownPattern `json:"patterns"`
}

func (InitPatterns) Kind() MessageType { return TypeInitPatterns }

// LearnPattern asks the engine to fingerprint and embed an audio span
// extracted from the rolling buffer.
type LearnPattern struct {
	Audio       string `json:"audio"`
	PatternType string `json:"patternType"`
	Name        string `json:"name"`
}

func (LearnPattern) Kind() MessageType { return TypeLearnPattern }

// MarshalOutbound serialises m with its "type" tag injected.
func MarshalOutbound(m Outbound) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal %s: %w", m.Kind(), err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("bridge: marshal %s: %w", m.Kind(), err)
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	tag, _ := json.Marshal(m.Kind())
	obj["type"] = tag
	return json.Marshal(obj)
}

// Inbound is implemented by every message the engine can send back.
type Inbound interface {
	Kind() MessageType
}

// Ready acknowledges [Init] and reports the active model and device. Status
// may be "loading": the engine queues work until the model is up, so the
// session still counts as ready.
type Ready struct {
	Engine        string `json:"engine"`
	Model         string `json:"model"`
	Device        string `json:"device"`
	StreamingMode bool   `json:"streamingMode"`
	Status        string `json:"status"`
}

func (Ready) Kind() MessageType { return TypeReady }

// Transcription is the batch result for one [Transcribe] chunk. Segments are
// ordered by the engine within the chunk.
type Transcription struct {
	ChunkID   string    `json:"chunkId"`
	Text      string    `json:"text"`
	Segments  []Segment `json:"segments"`
	Timestamp float64   `json:"timestamp"`
}

func (Transcription) Kind() MessageType { return TypeTranscription }

// InterimTranscription is a best-effort partial streaming result. It is
// superseded by the next interim or final for the same stream and is never
// persisted.
type InterimTranscription struct {
	Text       string  `json:"text"`
	Timestamp  float64 `json:"timestamp"`
	SequenceID int     `json:"sequenceId"`
	ChunkID    string  `json:"chunkId"`
}

func (InterimTranscription) Kind() MessageType { return TypeInterim }

// FinalTranscription is the authoritative streaming result for a span.
type FinalTranscription struct {
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments,omitempty"`
	Timestamp  float64   `json:"timestamp"`
	SequenceID int       `json:"sequenceId"`
	ChunkID    string    `json:"chunkId"`
}

func (FinalTranscription) Kind() MessageType { return TypeFinal }

// EngineError reports an engine-side failure. When ChunkID is set the error
// is scoped to one chunk and the session continues.
type EngineError struct {
	Message string `json:"message"`
	ChunkID string `json:"chunkId,omitempty"`
}

func (EngineError) Kind() MessageType { return TypeError }

// Pong answers [Ping].
type Pong struct {
	Initialized bool `json:"initialized"`
}

func (Pong) Kind() MessageType { return TypePong }

// Heartbeat is an unsolicited engine liveness signal.
type Heartbeat struct{}

func (Heartbeat) Kind() MessageType { return TypeHeartbeat }

// Status is an unsolicited engine status report.
type Status struct {
	Model            string `json:"model"`
	Device           string `json:"device"`
	LatencyMode      string `json:"latency_mode"`
	BufferSamples    int    `json:"buffer_samples"`
	BufferDurationMS int    `json:"buffer_duration_ms"`
}

func (Status) Kind() MessageType { return TypeStatus }

// TranscribeAck confirms a batch chunk was queued.
type TranscribeAck struct {
	ChunkID string `json:"chunkId"`
	Status  string `json:"status"`
}

func (TranscribeAck) Kind() MessageType { return TypeTranscribeAck }

// StreamChunkAck confirms a streaming chunk was queued.
type StreamChunkAck struct {
	ChunkID    string `json:"chunkId"`
	SequenceID int    `json:"sequenceId"`
}

func (StreamChunkAck) Kind() MessageType { return TypeStreamChunkAck }

// PatternLearned is the result of a [LearnPattern] request.
type PatternLearned struct {
	PatternID   string    `json:"pattern_id"`
	PatternType string    `json:"patternType"`
	Duration    float64   `json:"duration"`
	Fingerprint []int32   `json:"fingerprint"`
	Embedding   []float32 `json:"embedding"`
}

func (PatternLearned) Kind() MessageType { return TypePatternLearned }

// ResetComplete acknowledges [Reset] or [ResetStreaming].
type ResetComplete struct{}

func (ResetComplete) Kind() MessageType { return TypeResetComplete }

// ErrUnknownMessage is returned (wrapped) by [UnmarshalInbound] for message
// types not in the protocol vocabulary.
type ErrUnknownMessage struct {
	Type MessageType
}

func (e *ErrUnknownMessage) Error() string {
	return fmt.Sprintf("bridge: unknown message type %q", e.Type)
}

// UnmarshalInbound decodes one inbound frame into its concrete variant. The
// switch below is the single place new engine message kinds must be added;
// anything unlisted surfaces as [ErrUnknownMessage] rather than being
// silently dropped.
func UnmarshalInbound(data []byte) (Inbound, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("bridge: decode frame: %w", err)
	}

	var (
		msg Inbound
		err error
	)
	switch probe.Type {
	case TypeReady:
		msg, err = decodeAs[Ready](data)
	case TypeTranscription:
		msg, err = decodeAs[Transcription](data)
	case TypeInterim:
		msg, err = decodeAs[InterimTranscription](data)
	case TypeFinal:
		msg, err = decodeAs[FinalTranscription](data)
	case TypeError:
		msg, err = decodeAs[EngineError](data)
	case TypePong:
		msg, err = decodeAs[Pong](data)
	case TypeHeartbeat:
		msg, err = decodeAs[Heartbeat](data)
	case TypeStatus:
		msg, err = decodeAs[Status](data)
	case TypeTranscribeAck:
		msg, err = decodeAs[TranscribeAck](data)
	case TypeStreamChunkAck:
		msg, err = decodeAs[StreamChunkAck](data)
	case TypePatternLearned:
		msg, err = decodeAs[PatternLearned](data)
	case TypeResetComplete:
		msg, err = decodeAs[ResetComplete](data)
	default:
		return nil, &ErrUnknownMessage{Type: probe.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: decode %s: %w", probe.Type, err)
	}
	return msg, nil
}

// decodeAs unmarshals data into a value of type T.
func decodeAs[T Inbound](data []byte) (Inbound, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
