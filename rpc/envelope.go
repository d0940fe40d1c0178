// Package rpc defines the wire envelope the host and worker exchange
// over a single SSH-forwarded stream (spec.md §4.A): a JSON request
// header, an optional raw byte payload for stream-carrying ops, and a
// matching JSON response header. Grounded on mantle/network's
// connection-handling idiom, but the framing itself (newline-delimited
// JSON header + length-declared raw bytes) is new: spec.md's wire
// format has no teacher precedent to adapt, so it is implemented
// directly against the spec's own description rather than borrowed.
package rpc

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/paulrobinshaw/rch-xcode/protocol"
)

// Op is the closed set of RPC operations (spec.md §4.I dispatch table).
type Op string

const (
	OpProbe        Op = "probe"
	OpReserve      Op = "reserve"
	OpRelease      Op = "release"
	OpHasSource    Op = "has_source"
	OpUploadSource Op = "upload_source"
	OpSubmit       Op = "submit"
	OpStatus       Op = "status"
	OpTail         Op = "tail"
	OpCancel       Op = "cancel"
	OpFetch        Op = "fetch"
)

// IdempotentOps is the set of operations the host RPC client retries
// with backoff; submit is deliberately excluded (spec.md §4.H).
var IdempotentOps = map[Op]bool{
	OpProbe:        true,
	OpHasSource:    true,
	OpUploadSource: true,
	OpStatus:       true,
	OpTail:         true,
	OpCancel:       true,
	OpRelease:      true,
	OpFetch:        true,
	OpReserve:      true,
}

// StreamMeta describes the raw byte payload that follows a JSON header
// line for stream-carrying operations (upload_source request, fetch
// response).
type StreamMeta struct {
	ContentLength int64  `json:"content_length"`
	ContentSHA256 string `json:"content_sha256"`
	Compression   string `json:"compression"`
	Format        string `json:"format"`
}

// Request is one RPC call header (spec.md §4.A).
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Op              Op              `json:"op"`
	RequestID       string          `json:"request_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Stream          *StreamMeta     `json:"stream,omitempty"`
}

// Response is one RPC reply header (spec.md §4.A).
type Response struct {
	ProtocolVersion int                 `json:"protocol_version"`
	RequestID       string              `json:"request_id"`
	OK              bool                `json:"ok"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	Error           *protocol.WireError `json:"error,omitempty"`
	Stream          *StreamMeta         `json:"stream,omitempty"`
}

// WriteMessage marshals v and writes it as one newline-terminated JSON
// line. Used for both Request and Response headers.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ReadMessage reads one newline-terminated JSON line from r and
// unmarshals it into v.
func ReadMessage(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	return json.Unmarshal(line, v)
}

// StreamReader returns a reader bounded to exactly meta.ContentLength
// bytes following a header that declared a stream.
func StreamReader(r io.Reader, meta StreamMeta) io.Reader {
	return io.LimitReader(r, meta.ContentLength)
}
