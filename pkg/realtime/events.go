package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound and outbound event type names.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"

	TypeAudioDelta             = "response.audio.delta"
	TypeAudioDone              = "response.audio.done"
	TypeAudioTranscriptDone    = "response.audio_transcript.done"
	TypeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeError                  = "error"
)

// Sentinel errors returned by [Parse].
var (
	// ErrMalformed wraps payloads that are not a JSON object with a string
	// "type" field.
	ErrMalformed = errors.New("realtime: malformed event")

	// ErrUnknownEvent is returned for well-formed events this client does
	// not handle. Callers are expected to ignore them.
	ErrUnknownEvent = errors.New("realtime: unknown event type")
)

// Event is an inbound server event this client acts on.
type Event interface {
	// EventType returns the wire "type" of the event.
	EventType() string
}

// AudioDelta carries one base64 PCM16 chunk of the remote agent's speech.
type AudioDelta struct {
	Delta string
}

// AudioDone marks the end of one remote utterance.
type AudioDone struct{}

// RemoteTranscript is the final transcript of a remote utterance.
type RemoteTranscript struct {
	Transcript string
}

// UserTranscript is the final transcript of a user utterance.
type UserTranscript struct {
	Transcript string
}

// ServerError is an error reported by the remote service. It does not close
// the connection.
type ServerError struct {
	Kind    string
	Code    string
	Message string
}

func (AudioDelta) EventType() string       { return TypeAudioDelta }
func (AudioDone) EventType() string        { return TypeAudioDone }
func (RemoteTranscript) EventType() string { return TypeAudioTranscriptDone }
func (UserTranscript) EventType() string   { return TypeInputTranscriptionDone }
func (ServerError) EventType() string      { return TypeError }

// Error implements error so a ServerError can be logged or wrapped directly.
func (e ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("realtime: server error %s: %s", e.Code, msg)
	}
	return "realtime: server error: " + msg
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// serverEvent is the union of every inbound field this client reads.
type serverEvent struct {
	Type       *string            `json:"type"`
	Delta      string             `json:"delta,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

// Parse decodes one inbound text frame. It returns [ErrMalformed] for frames
// that are not JSON objects with a "type" and [ErrUnknownEvent] for types
// outside the handled set. Missing payload fields decode as empty strings.
func Parse(data []byte) (Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch *evt.Type {
	case TypeAudioDelta:
		return AudioDelta{Delta: evt.Delta}, nil
	case TypeAudioDone:
		return AudioDone{}, nil
	case TypeAudioTranscriptDone:
		return RemoteTranscript{Transcript: evt.Transcript}, nil
	case TypeInputTranscriptionDone:
		return UserTranscript{Transcript: evt.Transcript}, nil
	case TypeError:
		se := ServerError{}
		if evt.Error != nil {
			se.Kind = evt.Error.Type
			se.Code = evt.Error.Code
			se.Message = evt.Error.Message
		}
		return se, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, *evt.Type)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// AppendAudio carries one captured PCM16 frame to the remote agent.
type AppendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// NewAppendAudio encodes pcm as an input_audio_buffer.append event.
func NewAppendAudio(pcm []byte) AppendAudio {
	return AppendAudio{
		Type:  TypeInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
}

// SessionUpdate configures the remote session after connect.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams is the body of a session.update event.
type SessionParams struct {
	Voice                   string             `json:"voice,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionSpec `json:"input_audio_transcription,omitempty"`
}

// TranscriptionSpec enables transcripts of the user's speech.
type TranscriptionSpec struct {
	Model string `json:"model"`
}

// NewSessionUpdate builds a session.update event for PCM16 in both
// directions. Empty arguments are omitted from the payload; an empty
// transcription model leaves user transcription at the server default.
func NewSessionUpdate(voice, instructions, transcriptionModel string) SessionUpdate {
	params := SessionParams{
		Voice:             voice,
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if transcriptionModel != "" {
		params.InputAudioTranscription = &TranscriptionSpec{Model: transcriptionModel}
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: params}
}
