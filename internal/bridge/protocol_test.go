package bridge_test

import (
	"encoding/json"
	"errors"
	"testing"

	"tabscribe/internal/bridge"
)

func TestMarshalOutbound_InjectsTypeTag(t *testing.T) {
	tests := []struct {
		name string
		msg  bridge.Outbound
		want bridge.MessageType
	}{
		{"init", bridge.Init{Engine: "faster-whisper", Model: "large-v3", Device: "cuda", Language: "en", StreamingMode: true, LatencyMode: "medium"}, bridge.TypeInit},
		{"transcribe", bridge.Transcribe{Audio: "AAAA", Timestamp: 30, ChunkID: "c1", Language: "en"}, bridge.TypeTranscribe},
		{"stream chunk", bridge.StreamChunk{Audio: "AAAA", Timestamp: 10, ChunkID: "c2", SequenceID: 3, Language: "en"}, bridge.TypeStreamChunk},
		{"reset", bridge.Reset{}, bridge.TypeReset},
		{"reset streaming", bridge.ResetStreaming{}, bridge.TypeResetStreaming},
		{"finalize", bridge.FinalizeStreaming{Timestamp: 42.5}, bridge.TypeFinalizeStreaming},
		{"shutdown", bridge.Shutdown{}, bridge.TypeShutdown},
		{"ping", bridge.Ping{}, bridge.TypePing},
		{"init patterns", bridge.InitPatterns{Patterns: []bridge.KnownPattern{{ID: "p1", Name: "goal horn", PatternType: "audio"}}}, bridge.TypeInitPatterns},
		{"learn pattern", bridge.LearnPattern{Audio: "AAAA", PatternType: "audio", Name: "whistle"}, bridge.TypeLearnPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := bridge.MarshalOutbound(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var probe struct {
				Type bridge.MessageType `json:"type"`
			}
			if err := json.Unmarshal(data, &probe); err != nil {
				t.Fatalf("unmarshal probe: %v", err)
			}
			if probe.Type != tt.want {
				t.Errorf("type tag = %q, want %q", probe.Type, tt.want)
			}
		})
	}
}

func TestMarshalOutbound_FieldNames(t *testing.T) {
	data, err := bridge.MarshalOutbound(bridge.StreamChunk{
		Audio: "AAAA", Timestamp: 12.5, ChunkID: "chunk-7", SequenceID: 7, Language: "en",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"audio", "timestamp", "chunkId", "sequenceId", "language", "type"} {
		if _, ok := obj[key]; !ok {
			t.Errorf("wire object missing key %q", key)
		}
	}
}

func TestUnmarshalInbound_AllVariants(t *testing.T) {
	tests := []struct {
		name string
		json string
		want bridge.MessageType
	}{
		{"ready", `{"type":"ready","model":"large-v3","device":"cuda","streamingMode":true,"status":"loading"}`, bridge.TypeReady},
		{"transcription", `{"type":"transcription","chunkId":"c1","text":"hello","segments":[{"start":0,"end":1.5,"text":"hello"}],"timestamp":30}`, bridge.TypeTranscription},
		{"interim", `{"type":"interim_transcription","text":"hel","timestamp":30,"sequenceId":4,"chunkId":"c1"}`, bridge.TypeInterim},
		{"final", `{"type":"final_transcription","text":"hello","timestamp":30,"sequenceId":4,"chunkId":"c1"}`, bridge.TypeFinal},
		{"error", `{"type":"error","message":"decode failed","chunkId":"c1"}`, bridge.TypeError},
		{"pong", `{"type":"pong","initialized":true}`, bridge.TypePong},
		{"heartbeat", `{"type":"heartbeat"}`, bridge.TypeHeartbeat},
		{"status", `{"type":"status","model":"large-v3","buffer_samples":8000}`, bridge.TypeStatus},
		{"transcribe ack", `{"type":"transcribe_ack","chunkId":"c1","status":"queued"}`, bridge.TypeTranscribeAck},
		{"stream chunk ack", `{"type":"stream_chunk_ack","chunkId":"c2","sequenceId":3}`, bridge.TypeStreamChunkAck},
		{"pattern learned", `{"type":"pattern_learned","pattern_id":"p1","patternType":"audio","duration":2.5,"fingerprint":[1,2,3],"embedding":[0.1,0.2]}`, bridge.TypePatternLearned},
		{"reset complete", `{"type":"reset_complete"}`, bridge.TypeResetComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := bridge.UnmarshalInbound([]byte(tt.json))
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if msg.Kind() != tt.want {
				t.Errorf("kind = %q, want %q", msg.Kind(), tt.want)
			}
		})
	}
}

func TestUnmarshalInbound_FieldValues(t *testing.T) {
	msg, err := bridge.UnmarshalInbound([]byte(
		`{"type":"transcription","chunkId":"c9","text":"a b","segments":[{"start":1,"end":2,"text":"a"},{"start":2,"end":3,"text":"b"}],"timestamp":100}`,
	))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tr, ok := msg.(bridge.Transcription)
	if !ok {
		t.Fatalf("got %T, want Transcription", msg)
	}
	if tr.ChunkID != "c9" || len(tr.Segments) != 2 || tr.Segments[1].Text != "b" {
		t.Errorf("unexpected decode: %+v", tr)
	}
}

func TestUnmarshalInbound_UnknownType(t *testing.T) {
	_, err := bridge.UnmarshalInbound([]byte(`{"type":"telemetry"}`))
	var unknown *bridge.ErrUnknownMessage
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
	if unknown.Type != "telemetry" {
		t.Errorf("unknown type = %q, want %q", unknown.Type, "telemetry")
	}
}

func TestUnmarshalInbound_MalformedJSON(t *testing.T) {
	if _, err := bridge.UnmarshalInbound([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
