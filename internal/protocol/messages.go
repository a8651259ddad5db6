package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStartStreaming MessageType = "start_streaming"
	TypeVoiceData      MessageType = "voice_data"
	TypeEndStreaming   MessageType = "end_streaming"

	TypeStreamingStarted   MessageType = "streaming_started"
	TypeTranscriptionChunk MessageType = "transcription_chunk"
	TypeEntitiesExtracted  MessageType = "entities_extracted"
	TypeStreamingError     MessageType = "streaming_error"
	TypeError              MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type StartStreaming struct {
	Type       MessageType `json:"type"`
	Provider   string      `json:"provider,omitempty"`
	SampleRate int         `json:"sampleRate,omitempty"`
}

type VoiceData struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Audio     string      `json:"audio"`
}

type EndStreaming struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type StreamingStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Provider  string      `json:"provider"`
}

type TranscriptionChunk struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"sessionId"`
	Transcription string      `json:"transcription"`
	IsFinal       bool        `json:"isFinal"`
}

type Entity struct {
	Type           string  `json:"type"`
	Value          string  `json:"value"`
	Confidence     float64 `json:"confidence"`
	Context        string  `json:"context,omitempty"`
	ConversationID string  `json:"conversationId,omitempty"`
}

type EntitiesExtracted struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"sessionId"`
	Transcription  string      `json:"transcription"`
	Entities       []Entity    `json:"entities"`
	ConversationID string      `json:"conversationId"`
	DurationSec    float64     `json:"duration"`
}

type StreamingError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Error     string      `json:"error"`
	Kind      string      `json:"kind"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
	Kind  string      `json:"kind"`
}

// NewStreamingError builds a client-safe streaming_error from err.
func NewStreamingError(sessionID string, err error) StreamingError {
	return StreamingError{
		Type:      TypeStreamingError,
		SessionID: sessionID,
		Error:     apperr.UserMessage(err),
		Kind:      string(apperr.KindOf(err)),
	}
}

// NewErrorMessage builds a client-safe generic error from err.
func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{
		Type:  TypeError,
		Error: apperr.UserMessage(err),
		Kind:  string(apperr.KindOf(err)),
	}
}

// ParseClientMessage decodes one inbound frame. Failures are validation-kind
// taxonomy errors; unknown types also match ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "invalid envelope")
	}

	switch env.Type {
	case TypeStartStreaming:
		var msg StartStreaming
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, apperr.Wrap(err, apperr.KindValidation, "invalid start_streaming")
		}
		msg.Provider = strings.ToLower(strings.TrimSpace(msg.Provider))
		if msg.SampleRate < 0 {
			return nil, apperr.New(apperr.KindValidation, "invalid start_streaming: negative sampleRate")
		}
		return msg, nil
	case TypeVoiceData:
		var msg VoiceData
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, apperr.Wrap(err, apperr.KindValidation, "invalid voice_data")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, apperr.New(apperr.KindValidation, "invalid voice_data: missing sessionId")
		}
		return msg, nil
	case TypeEndStreaming:
		var msg EndStreaming
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, apperr.Wrap(err, apperr.KindValidation, "invalid end_streaming")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, apperr.New(apperr.KindValidation, "invalid end_streaming: missing sessionId")
		}
		return msg, nil
	default:
		return nil, &apperr.Error{
			Kind:        apperr.KindValidation,
			Status:      apperr.DefaultStatus(apperr.KindValidation),
			Message:     fmt.Sprintf("message type %q", env.Type),
			UserMessage: "Unsupported message type.",
			Err:         ErrUnsupportedType,
		}
	}
}

// TypeOf reports the message type of a protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case StartStreaming:
		return m.Type, true
	case VoiceData:
		return m.Type, true
	case EndStreaming:
		return m.Type, true
	case StreamingStarted:
		return m.Type, true
	case TranscriptionChunk:
		return m.Type, true
	case EntitiesExtracted:
		return m.Type, true
	case StreamingError:
		return m.Type, true
	case ErrorMessage:
		return m.Type, true
	default:
		return "", false
	}
}
