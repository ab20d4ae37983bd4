package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeInit       MessageType = "init"
	TypeAudioChunk MessageType = "audio_chunk"
	TypeAudioEnd   MessageType = "audio_end"

	TypeInitSuccess MessageType = "init_success"
	TypeSTTPartial  MessageType = "stt_partial"
	TypeSTTResult   MessageType = "stt_result"
	TypeGPTResponse MessageType = "gpt_response"
	TypeTTSChunk    MessageType = "tts_chunk"
	TypeTTSEnd      MessageType = "tts_end"
	TypeError       MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Client to server.

type Init struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type AudioChunk struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type AudioEnd struct {
	Type MessageType `json:"type"`
}

// Server to client.

type InitSuccess struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type STTPartial struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type STTResult struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type GPTResponse struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// TTSChunk carries one synthesized audio chunk. Seq starts at 1 for every
// reply and increases by one per chunk.
type TTSChunk struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
	Seq  int         `json:"seq"`
}

type TTSEnd struct {
	Type MessageType `json:"type"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

func NewInit(sessionID string) Init { return Init{Type: TypeInit, SessionID: sessionID} }

func NewAudioChunk(data string) AudioChunk { return AudioChunk{Type: TypeAudioChunk, Data: data} }

func NewAudioEnd() AudioEnd { return AudioEnd{Type: TypeAudioEnd} }

func NewInitSuccess(sessionID string) InitSuccess {
	return InitSuccess{Type: TypeInitSuccess, SessionID: sessionID}
}

func NewSTTPartial(text string) STTPartial { return STTPartial{Type: TypeSTTPartial, Text: text} }

func NewSTTResult(text string) STTResult { return STTResult{Type: TypeSTTResult, Text: text} }

func NewGPTResponse(text string) GPTResponse { return GPTResponse{Type: TypeGPTResponse, Text: text} }

func NewTTSChunk(data string, seq int) TTSChunk { return TTSChunk{Type: TypeTTSChunk, Data: data, Seq: seq} }

func NewTTSEnd() TTSEnd { return TTSEnd{Type: TypeTTSEnd} }

func NewError(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Message: message}
}

// TypeOf returns the wire type of a protocol value, or "" for foreign values.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case Init:
		return m.Type
	case AudioChunk:
		return m.Type
	case AudioEnd:
		return m.Type
	case InitSuccess:
		return m.Type
	case STTPartial:
		return m.Type
	case STTResult:
		return m.Type
	case GPTResponse:
		return m.Type
	case TTSChunk:
		return m.Type
	case TTSEnd:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return ""
	}
}

// ParseClientMessage decodes one inbound frame. Unknown types return
// ErrUnsupportedType; structurally bad frames return ErrInvalidMessage.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeInit:
		var msg Init
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: audio_chunk without data", ErrInvalidMessage)
		}
		return msg, nil
	case TypeAudioEnd:
		return AudioEnd{Type: TypeAudioEnd}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// ParseServerMessage decodes one outbound frame on the client side.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}

	var target any
	switch env.Type {
	case TypeInitSuccess:
		target = &InitSuccess{}
	case TypeSTTPartial:
		target = &STTPartial{}
	case TypeSTTResult:
		target = &STTResult{}
	case TypeGPTResponse:
		target = &GPTResponse{}
	case TypeTTSChunk:
		target = &TTSChunk{}
	case TypeTTSEnd:
		return TTSEnd{Type: TypeTTSEnd}, nil
	case TypeError:
		target = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch m := target.(type) {
	case *InitSuccess:
		if m.SessionID == "" {
			return nil, fmt.Errorf("%w: init_success without sessionId", ErrInvalidMessage)
		}
		return *m, nil
	case *STTPartial:
		return *m, nil
	case *STTResult:
		return *m, nil
	case *GPTResponse:
		return *m, nil
	case *TTSChunk:
		return *m, nil
	case *ErrorEvent:
		return *m, nil
	}
	return nil, ErrUnsupportedType
}
