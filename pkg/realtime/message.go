// Package realtime implements the wire protocol and transport for the
// conversational voice endpoint: client envelopes, tolerant decoding of
// server messages, and a WebSocket [Dialer] built on github.com/coder/websocket.
//
// The server side is treated as arbitrary JSON. Only two fields are
// recognised: "text" (assistant text) and "output_audio" (an audio payload
// whose size is reported). Everything else decodes as [KindUnknown].
package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Client envelope types.
const (
	TypeInputText   = "input_text"
	TypeAppendAudio = "input_audio_buffer.append"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

// InputText carries a text prompt to the server.
type InputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AppendAudio carries one chunk of base64-encoded PCM audio to the server.
type AppendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// EncodeInputText returns the wire form of an input_text envelope.
func EncodeInputText(text string) ([]byte, error) {
	data, err := json.Marshal(InputText{Type: TypeInputText, Text: text})
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal input text: %w", err)
	}
	return data, nil
}

// EncodeAudio returns the wire form of an input_audio_buffer.append envelope
// for pcm.
func EncodeAudio(pcm []byte) ([]byte, error) {
	data, err := json.Marshal(AppendAudio{
		Type:  TypeAppendAudio,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal audio: %w", err)
	}
	return data, nil
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// Kind discriminates decoded server messages.
type Kind int

const (
	// KindUnknown is a well-formed JSON object with no recognised field.
	KindUnknown Kind = iota
	// KindText carries assistant text in [Message.Text].
	KindText
	// KindAudio carries an audio payload whose size is in [Message.AudioBytes].
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Message is one decoded server message.
type Message struct {
	Kind Kind

	// Type is the value of the optional "type" field, for diagnostics.
	Type string

	// Text is set for KindText.
	Text string

	// AudioBytes is the payload length for KindAudio: the decoded length when
	// the payload is a base64 string, otherwise the length of its raw JSON.
	AudioBytes int

	// Raw is the undecoded message.
	Raw []byte
}

// ProtocolError reports an inbound message that could not be decoded. It is
// never fatal to a session.
type ProtocolError struct {
	// Snippet is a prefix of the offending message, for logging.
	Snippet string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("realtime: protocol error: %v (message %q)", e.Err, e.Snippet)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

const maxSnippet = 64

// Decode parses one server message. Input that is not a JSON object yields a
// *[ProtocolError]. A "text" string field takes precedence over
// "output_audio".
func Decode(data []byte) (Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Message{}, &ProtocolError{Snippet: snippet(data), Err: err}
	}
	if obj == nil {
		return Message{}, &ProtocolError{Snippet: snippet(data), Err: fmt.Errorf("not a JSON object")}
	}

	msg := Message{Kind: KindUnknown, Raw: data}
	if raw, ok := obj["type"]; ok {
		_ = json.Unmarshal(raw, &msg.Type)
	}

	if raw, ok := obj["text"]; ok {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			msg.Kind = KindText
			msg.Text = text
			return msg, nil
		}
	}

	if raw, ok := obj["output_audio"]; ok {
		msg.Kind = KindAudio
		msg.AudioBytes = len(raw)
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err == nil {
			msg.AudioBytes = len(encoded)
			if pcm, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				msg.AudioBytes = len(pcm)
			}
		}
		return msg, nil
	}

	return msg, nil
}

// snippet truncates data to maxSnippet bytes without splitting a rune.
func snippet(data []byte) string {
	if len(data) <= maxSnippet {
		return string(data)
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "…"
}
