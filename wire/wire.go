package wire

import (
	"encoding/json"
	"fmt"
)

// AutoStartArg is the open-coded trailing argument appended to the worker's
// command line at spawn. The worker's bootstrap checks for it before entering
// its message loop.
const AutoStartArg = "auto-start"

// Kind discriminates the message union. The proxy sends init, call, and
// dispose messages; the worker replies with initialized, result, rejection,
// and dispose_completed messages.
type Kind string

const (
	KindInit    Kind = "init"
	KindCall    Kind = "call"
	KindDispose Kind = "dispose"

	KindInitialized      Kind = "initialized"
	KindResult           Kind = "result"
	KindRejection        Kind = "rejection"
	KindDisposeCompleted Kind = "dispose_completed"
)

// InitPayload is the readiness payload delivered with the first message after
// spawn. Its contents are opaque to the proxy; the worker's bootstrap decides
// what to do with them. WorkingDir, if set, is the directory the worker should
// switch to before reporting ready.
type InitPayload struct {
	Payload    map[string]any
	WorkingDir string
	LogContext map[string]string
	Options    map[string]any
}

// Message is the single struct behind both directions of the protocol.
// Only the fields relevant to a given Kind are populated.
type Message struct {
	Kind Kind

	// ID correlates a call with its result or rejection.
	ID uint64

	Method string
	Args   []json.RawMessage

	Result json.RawMessage
	Error  string

	Init *InitPayload
}

// NewCall builds a call message, marshaling each argument independently so
// the worker can decode them positionally.
func NewCall(id uint64, method string, args ...any) (Message, error) {
	encoded, err := EncodeArgs(args...)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindCall, ID: id, Method: method, Args: encoded}, nil
}

// EncodeArgs marshals call arguments positionally.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding arg %d: %w", i, err)
		}
		encoded[i] = b
	}
	return encoded, nil
}

// NewResult builds a result message for the call with the given id.
func NewResult(id uint64, value any) (Message, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("encoding result: %w", err)
	}
	return Message{Kind: KindResult, ID: id, Result: b}, nil
}

// NewRejection builds a rejection message for the call with the given id.
func NewRejection(id uint64, errText string) Message {
	return Message{Kind: KindRejection, ID: id, Error: errText}
}

// Codec encodes messages to and from their transport representation.
// Framing (one message per line) is owned by the channel, not the codec, so
// an encoded message must not contain a newline.
type Codec interface {
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	return b, nil
}

func (JSONCodec) Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if m.Kind == "" {
		return Message{}, fmt.Errorf("message has no kind")
	}
	return m, nil
}
