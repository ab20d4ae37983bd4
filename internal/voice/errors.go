package voice

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrRecognizerClosed = errors.New("recognizer closed")
	ErrSetupFailed      = errors.New("stream setup failed")
	ErrNoConversation   = errors.New("no active conversation")
	// ErrRecognitionLost means the recognition stream could not be reopened;
	// the session has to be torn down and started again.
	ErrRecognitionLost  = errors.New("recognition stream lost")
)

// ErrorClass scopes a failure to how the session recovers from it.
type ErrorClass string

const (
	// ClassSetup: a required stream could not be opened; the client retries init.
	ClassSetup ErrorClass = "setup"
	// ClassTransport: an open stream failed mid-flight and is considered ended.
	ClassTransport ErrorClass = "transport"
	// ClassUpstream: the text-generation capability failed.
	ClassUpstream ErrorClass = "upstream"
	// ClassProtocol: a malformed or unknown inbound message.
	ClassProtocol ErrorClass = "protocol"
)

type TurnError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ClassOf returns the class attached to err, or "" when err carries none.
func ClassOf(err error) ErrorClass {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Class
	}
	return ""
}

// ErrorCode maps an error to the short code sent with protocol error events.
func ErrorCode(err error) string {
	var te *TurnError
	if !errors.As(err, &te) {
		return "internal_error"
	}
	switch te.Op {
	case opStartRecognition:
		return "stt_setup_failed"
	case opRecognitionStream:
		return "stt_stream_failed"
	case opGenerate:
		return "generation_failed"
	case opStartSynthesis, opSynthesisStream:
		return "synthesis_failed"
	}
	return string(te.Class) + "_error"
}

// UserMessage is the human-readable text for a protocol error event.
func UserMessage(err error) string {
	switch ClassOf(err) {
	case ClassSetup:
		return "Could not start the voice stream. Please send init again."
	case ClassTransport:
		return "The voice stream was interrupted."
	case ClassUpstream:
		if errors.Is(err, context.DeadlineExceeded) {
			return "The assistant took too long to answer. Please try again."
		}
		return "The assistant could not answer right now. Please try again."
	default:
		return "Something went wrong."
	}
}

const (
	opStartRecognition  = "start recognition"
	opRecognitionStream = "recognition stream"
	opGenerate          = "generate reply"
	opStartSynthesis    = "start synthesis"
	opSynthesisStream   = "synthesis stream"
)
