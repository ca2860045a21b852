package worker

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Reserved special message names.
const (
	SpecialReady    = "ready"
	SpecialInfo     = "info_fn"
	SpecialWarn     = "warn_fn"
	SpecialError    = "error_fn"
	SpecialLoadFile = "load_file"
)

// fileFrameName tags host-to-worker file responses.
const fileFrameName = "file"

// MessageKind distinguishes worker-to-host frames.
type MessageKind int

const (
	// KindReply answers a host-issued call: [id, ok, result].
	KindReply MessageKind = iota + 1
	// KindSpecial is an out-of-band message: [name, _, payload].
	KindSpecial
)

func (k MessageKind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindSpecial:
		return "special"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Message is a decoded worker-to-host frame.
// Reply fields are set for KindReply, Name/Payload for KindSpecial.
type Message struct {
	Kind MessageKind

	ID     int64
	OK     bool
	Result json.RawMessage

	Name    string
	Payload json.RawMessage
}

// DecodeMessage decodes one worker-to-host frame.
//
// The first element decides the kind: a number is a call id, a string is a
// special message name. Anything else is a protocol error.
func DecodeMessage(frame []byte) (Message, error) {
	if !gjson.ValidBytes(frame) {
		return Message{}, &FrameError{Reason: "invalid JSON", Frame: frame}
	}
	root := gjson.ParseBytes(frame)
	if !root.IsArray() {
		return Message{}, &FrameError{Reason: "frame is not an array", Frame: frame}
	}

	head := root.Get("0")
	switch head.Type {
	case gjson.Number:
		ok := root.Get("1")
		if ok.Type != gjson.True && ok.Type != gjson.False {
			return Message{}, &FrameError{Reason: "reply status is not a boolean", Frame: frame}
		}
		return Message{
			Kind:   KindReply,
			ID:     head.Int(),
			OK:     ok.Bool(),
			Result: rawOrNil(root.Get("2")),
		}, nil

	case gjson.String:
		return Message{
			Kind:    KindSpecial,
			Name:    head.String(),
			Payload: rawOrNil(root.Get("2")),
		}, nil

	default:
		return Message{}, &FrameError{Reason: "frame tag is neither a call id nor a name", Frame: frame}
	}
}

func rawOrNil(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

// EncodeCall encodes a host-to-worker call: [id, funcID, args].
// Nil args encode as an empty array.
func EncodeCall(id int64, funcID int, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	frame, err := json.Marshal([]any{id, funcID, args})
	if err != nil {
		return nil, fmt.Errorf("encode call %d (func %d): %w", id, funcID, err)
	}
	return frame, nil
}

// EncodeReadyProbe encodes the readiness probe: ["ready"].
func EncodeReadyProbe() []byte {
	return []byte(`["ready"]`)
}

// EncodeFileContent encodes a successful file load: ["file",0,path,[true,bytes]].
// Bytes are carried as base64 (encoding/json's []byte form).
func EncodeFileContent(path string, data []byte) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	return json.Marshal([]any{fileFrameName, 0, path, []any{true, data}})
}

// EncodeFileNotModified encodes a cache hit: ["file",0,path,[false]].
func EncodeFileNotModified(path string) ([]byte, error) {
	return json.Marshal([]any{fileFrameName, 0, path, []any{false}})
}

// EncodeFileError encodes a failed file load: ["file",1,path,message].
func EncodeFileError(path string, message string) ([]byte, error) {
	return json.Marshal([]any{fileFrameName, 1, path, message})
}

// EncodeReply encodes a worker reply: [id, ok, result].
// Used by worker-side code and test doubles.
func EncodeReply(id int64, ok bool, result any) ([]byte, error) {
	return json.Marshal([]any{id, ok, result})
}

// EncodeSpecial encodes a worker special message: [name, null, payload].
func EncodeSpecial(name string, payload any) ([]byte, error) {
	return json.Marshal([]any{name, nil, payload})
}

// LoadFileRequest is the payload of a "load_file" special: [path, checkChanged].
type LoadFileRequest struct {
	Path         string
	CheckChanged bool
}

// DecodeLoadFile decodes a "load_file" payload.
func DecodeLoadFile(payload json.RawMessage) (LoadFileRequest, error) {
	r := gjson.ParseBytes(payload)
	if !r.IsArray() {
		return LoadFileRequest{}, &FrameError{Reason: "load_file payload is not an array", Frame: payload}
	}
	path := r.Get("0")
	if path.Type != gjson.String {
		return LoadFileRequest{}, &FrameError{Reason: "load_file path is not a string", Frame: payload}
	}
	return LoadFileRequest{
		Path:         path.String(),
		CheckChanged: r.Get("1").Bool(),
	}, nil
}

// HostFrameKind distinguishes host-to-worker frames.
type HostFrameKind int

const (
	// HostCall is [id, funcID, args].
	HostCall HostFrameKind = iota + 1
	// HostReadyProbe is ["ready"].
	HostReadyProbe
	// HostFile is ["file", status, path, payload].
	HostFile
)

// HostFrame is a decoded host-to-worker frame, for worker-side code.
type HostFrame struct {
	Kind HostFrameKind

	ID     int64
	FuncID int
	Args   json.RawMessage

	Path string
	// FileFailed is true for status 1 (Error holds the message).
	FileFailed bool
	// FileModified is true when Content carries the file bytes.
	FileModified bool
	Content      []byte
	Error        string
}

// DecodeHostFrame decodes a host-to-worker frame.
func DecodeHostFrame(frame []byte) (HostFrame, error) {
	if !gjson.ValidBytes(frame) {
		return HostFrame{}, &FrameError{Reason: "invalid JSON", Frame: frame}
	}
	root := gjson.ParseBytes(frame)
	if !root.IsArray() {
		return HostFrame{}, &FrameError{Reason: "frame is not an array", Frame: frame}
	}

	head := root.Get("0")
	switch {
	case head.Type == gjson.Number:
		return HostFrame{
			Kind:   HostCall,
			ID:     head.Int(),
			FuncID: int(root.Get("1").Int()),
			Args:   rawOrNil(root.Get("2")),
		}, nil

	case head.Type == gjson.String && head.String() == SpecialReady:
		return HostFrame{Kind: HostReadyProbe}, nil

	case head.Type == gjson.String && head.String() == fileFrameName:
		hf := HostFrame{
			Kind: HostFile,
			Path: root.Get("2").String(),
		}
		payload := root.Get("3")
		if root.Get("1").Int() != 0 {
			hf.FileFailed = true
			hf.Error = payload.String()
			return hf, nil
		}
		if payload.Get("0").Bool() {
			hf.FileModified = true
			var content []byte
			if err := json.Unmarshal([]byte(payload.Get("1").Raw), &content); err != nil {
				return HostFrame{}, fmt.Errorf("decode file content for %s: %w", hf.Path, err)
			}
			hf.Content = content
		}
		return hf, nil

	default:
		return HostFrame{}, &FrameError{Reason: "unknown host frame", Frame: frame}
	}
}
