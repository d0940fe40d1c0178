// Package protocol implements the stable error-code taxonomy, protocol
// range negotiation, schema identifiers and artifact filename lists
// shared by the host RPC client and the worker RPC server (spec.md
// §4.A, §6). It also defines a wire envelope and stream framing of its
// own (Request, Response, WriteLine, ReadLine, CopyStream); the RPC
// client and server do not use these, they use package rpc's envelope.
package protocol

import (
	"bufio"
	"encoding/json"
	"io"
)

// ProbeVersion is the only protocol_version value legal for the probe op.
const ProbeVersion = 0

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

// Request is the JSON header of every RPC exchange.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Op              Op              `json:"op"`
	RequestID       string          `json:"request_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Response is the JSON header returned for every Request.
type Response struct {
	ProtocolVersion int             `json:"protocol_version"`
	RequestID       string          `json:"request_id"`
	OK              bool            `json:"ok"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           *WireError      `json:"error,omitempty"`
}

// StreamMeta describes an opaque binary payload appended after a header
// line, carried in payload.stream on either side of the exchange.
type StreamMeta struct {
	ContentLength int64       `json:"content_length"`
	ContentSHA256 string      `json:"content_sha256"`
	Compression   Compression `json:"compression"`
	Format        string      `json:"format"`
}

// Compression is the closed set of stream encodings.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// WriteLine serializes v as a single JSON line terminated by LF.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ReadLine reads and decodes a single newline-terminated JSON header.
func ReadLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	return json.Unmarshal(line, v)
}

// CopyStream copies exactly meta.ContentLength bytes from r to w, never
// relying on connection close or a terminator (spec.md §9 framing note).
func CopyStream(w io.Writer, r io.Reader, meta StreamMeta) error {
	_, err := io.CopyN(w, r, meta.ContentLength)
	return err
}
