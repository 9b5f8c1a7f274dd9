// Package wire encodes and decodes the records exchanged with the session
// backend. Every record is a flat JSON object with a string "type"
// discriminator. A transport frame may carry several records separated by
// newlines.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	linkerrors "github.com/alexjbarnes/sessionlink/internal/errors"
	"github.com/tidwall/gjson"
)

// Envelope is one decoded inbound record. Body is a pointer to the typed
// struct for known types and nil for types this client does not handle.
type Envelope struct {
	Type Type
	Body any
	Raw  []byte
}

// Known reports whether the record decoded into a typed body.
func (e Envelope) Known() bool {
	return e.Body != nil
}

var inboundTypes = map[Type]func() any{
	TypeHello:              func() any { return &Hello{} },
	TypeConnected:          func() any { return &Connected{} },
	TypeAuthError:          func() any { return &AuthError{} },
	TypeSessionList:        func() any { return &SessionList{} },
	TypeSessionCreated:     func() any { return &SessionCreated{} },
	TypeSessionHistory:     func() any { return &SessionHistory{} },
	TypeSessionUpdated:     func() any { return &SessionUpdated{} },
	TypeSessionLocked:      func() any { return &SessionLocked{} },
	TypeTurnComplete:       func() any { return &TurnComplete{} },
	TypeCompactionComplete: func() any { return &CompactionComplete{} },
	TypeCompactionError:    func() any { return &CompactionError{} },
	TypeSessionKilled:      func() any { return &SessionKilled{} },
	TypeResponse:           func() any { return &Response{} },
	TypeHeartbeat:          func() any { return &Heartbeat{} },
	TypePong:               func() any { return &Pong{} },
	TypeError:              func() any { return &Error{} },
	TypeAck:                func() any { return &Ack{} },
	TypeCommandStarted:     func() any { return &CommandStarted{} },
	TypeCommandError:       func() any { return &CommandError{} },
}

// Encode marshals one outbound record.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling message: %w", err)
	}

	if !gjson.GetBytes(data, "type").Exists() {
		return nil, fmt.Errorf("encoding %T: %w", v, linkerrors.ErrMissingType)
	}

	return data, nil
}

// EncodeTyped marshals body and prepends the type discriminator. Inbound
// bodies carry no type field of their own; servers and tests use this to
// produce them.
func EncodeTyped(typ Type, body any) ([]byte, error) {
	head, err := json.Marshal(string(typ))
	if err != nil {
		return nil, err
	}

	data := []byte("{}")
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s: %w", typ, err)
		}
	}

	if len(data) < 2 || data[0] != '{' {
		return nil, fmt.Errorf("encoding %s: body is not an object: %w", typ, linkerrors.ErrMalformedMessage)
	}

	out := make([]byte, 0, len(data)+len(head)+10)
	out = append(out, `{"type":`...)
	out = append(out, head...)

	if len(data) > 2 {
		out = append(out, ',')
	}

	return append(out, data[1:]...), nil
}

// Decode parses a single record. Unknown types return an Envelope with a
// nil Body and no error so callers can log and skip them.
func Decode(data []byte) (Envelope, error) {
	data = bytes.TrimSpace(data)
	if !gjson.ValidBytes(data) {
		return Envelope{Raw: data}, fmt.Errorf("invalid json: %w", linkerrors.ErrMalformedMessage)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{Raw: data}, fmt.Errorf("record is not an object: %w", linkerrors.ErrMalformedMessage)
	}

	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Envelope{Raw: data}, linkerrors.ErrMissingType
	}

	env := Envelope{Type: Type(typ.Str), Raw: data}

	newBody, ok := inboundTypes[env.Type]
	if !ok {
		return env, nil
	}

	body := newBody()
	if err := json.Unmarshal(data, body); err != nil {
		return Envelope{Type: env.Type, Raw: data}, fmt.Errorf("decoding %s: %v: %w", env.Type, err, linkerrors.ErrMalformedMessage)
	}

	env.Body = body

	return env, nil
}

// DecodeFrame splits a transport frame into newline-delimited records and
// decodes each independently. Blank lines are skipped. A bad record yields
// an error in errs and never prevents the other records from decoding.
// A frame that is itself one valid JSON document (pretty-printed, say) is
// decoded as a single record.
func DecodeFrame(data []byte) (envs []Envelope, errs []error) {
	if gjson.ValidBytes(data) {
		env, err := Decode(data)
		if err != nil {
			return nil, []error{err}
		}

		return []Envelope{env}, nil
	}

	for line := range bytes.SplitSeq(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		env, err := Decode(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		envs = append(envs, env)
	}

	return envs, errs
}
