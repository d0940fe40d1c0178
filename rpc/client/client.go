// Package client implements the host's RPC client (spec.md §4.H):
// protocol bootstrap, request correlation, retry-with-backoff for
// idempotent operations, resumable upload, and fetch framing. The
// retry policy is grounded on github.com/cenkalti/backoff/v4, adopted
// directly rather than hand-rolled (SPEC_FULL.md "Host RPC Client"); the
// underlying transport is whatever sshtransport.Dial returns, wrapped
// here behind the narrow Conn interface so tests can swap in an
// in-memory pipe.
package client

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/rpc"
)

// Conn is the minimal transport surface the client needs: a
// byte-stream it can write requests to and read responses from. An
// *ssh.Session's StdinPipe/StdoutPipe pair, or an in-memory net.Pipe,
// both satisfy it.
type Conn interface {
	io.Reader
	io.Writer
}

// Client drives one worker's RPC channel.
type Client struct {
	conn   Conn
	reader *bufio.Reader

	mu          sync.Mutex
	reqCounter  uint64
	processTag  string
	hostRange   protocol.ProtocolRange
	negotiated  int
	bootstrapped bool

	MaxRetries int
	MaxBackoff time.Duration
}

// New wraps conn with the client protocol. hostRange is the protocol
// version range this host supports; it is intersected with the
// worker's advertised range during Bootstrap.
func New(conn Conn, hostRange protocol.ProtocolRange) *Client {
	return &Client{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		processTag: fmt.Sprintf("%08x", rand.Uint32()),
		hostRange:  hostRange,
		MaxRetries: 5,
		MaxBackoff: 30 * time.Second,
	}
}

// nextRequestID mints a process-unique correlation id (spec.md §4.H
// "Correlation").
func (c *Client) nextRequestID() string {
	c.mu.Lock()
	c.reqCounter++
	n := c.reqCounter
	c.mu.Unlock()
	return fmt.Sprintf("%s-%d", c.processTag, n)
}

// Bootstrap performs the mandatory first call: probe at
// protocol_version 0. It stores the negotiated max version for all
// subsequent calls and returns the worker's capabilities.
func (c *Client) Bootstrap(ctx context.Context) (capabilities.Capabilities, error) {
	resp, err := c.roundTrip(ctx, 0, rpc.OpProbe, nil, nil)
	if err != nil {
		return capabilities.Capabilities{}, err
	}

	var payload rpc.ProbePayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return capabilities.Capabilities{}, errkind.Wrap(errkind.Protocol, err, "decode probe payload")
	}

	workerRange := protocol.ProtocolRange{Min: payload.ProtocolRange.Min, Max: payload.ProtocolRange.Max}
	intersection, ok := c.hostRange.Intersect(workerRange)
	if !ok {
		return capabilities.Capabilities{}, errkind.Newf(errkind.Protocol,
			"version negotiation failed: host range [%d,%d], worker range [%d,%d]",
			c.hostRange.Min, c.hostRange.Max, workerRange.Min, workerRange.Max).
			WithExitCode(errkind.ExitTransportSSH)
	}

	c.mu.Lock()
	c.negotiated = intersection.Max
	c.bootstrapped = true
	c.mu.Unlock()

	return payload.Capabilities, nil
}

func (c *Client) negotiatedVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiated
}

// call performs one request/response exchange, retrying with
// exponential backoff when op is idempotent and the failure is
// transient (transport error or BUSY).
func (c *Client) call(ctx context.Context, op rpc.Op, payload any) (rpc.Response, error) {
	if !c.bootstrapped && op != rpc.OpProbe {
		return rpc.Response{}, errkind.New(errkind.Protocol, "call attempted before Bootstrap")
	}

	version := c.negotiatedVersion()

	var body json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return rpc.Response{}, errkind.Wrap(errkind.Protocol, err, "marshal request payload")
		}
		body = data
	}

	if !rpc.IdempotentOps[op] {
		return c.roundTrip(ctx, version, op, body, nil)
	}

	var result rpc.Response
	policy := backoff.WithContext(c.backoffPolicy(), ctx)
	err := backoff.Retry(func() error {
		resp, err := c.roundTrip(ctx, version, op, body, nil)
		if err != nil && resp.Error != nil {
			if resp.Error.Code != protocol.CodeBusy {
				return backoff.Permanent(err)
			}
			if wait, ok := retryAfter(resp.Error); ok {
				time.Sleep(wait)
			}
			return err
		}
		if err != nil {
			return err
		}
		result = resp
		return nil
	}, policy)
	if err != nil {
		return rpc.Response{}, err
	}
	return result, nil
}

func (c *Client) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.MaxBackoff
	return backoff.WithMaxRetries(b, uint64(c.MaxRetries))
}

func retryAfter(wireErr *protocol.WireError) (time.Duration, bool) {
	if wireErr.Data == nil {
		return 0, false
	}
	v, ok := wireErr.Data["retry_after_seconds"]
	if !ok {
		return 0, false
	}
	seconds, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// roundTrip sends one request and reads exactly one response,
// bypassing the retry wrapper — used directly by Bootstrap and by
// call's retried closure.
func (c *Client) roundTrip(ctx context.Context, version int, op rpc.Op, payload json.RawMessage, stream *rpc.StreamMeta) (rpc.Response, error) {
	req := rpc.Request{
		ProtocolVersion: version,
		Op:              op,
		RequestID:       c.nextRequestID(),
		Payload:         payload,
		Stream:          stream,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := rpc.WriteMessage(c.conn, req); err != nil {
		return rpc.Response{}, errkind.Wrap(errkind.Transport, err, "write request")
	}

	var resp rpc.Response
	if err := rpc.ReadMessage(c.reader, &resp); err != nil {
		return rpc.Response{}, errkind.Wrap(errkind.Transport, err, "read response")
	}
	if resp.RequestID != req.RequestID {
		return rpc.Response{}, errkind.Newf(errkind.Protocol, "response id %q does not match request id %q", resp.RequestID, req.RequestID)
	}
	if !resp.OK && resp.Error != nil {
		return resp, wireErrorToErrkind(resp.Error)
	}
	return resp, nil
}

// wireErrorToErrkind maps a wire error code to the failure kind and
// exit code spec.md §4.H's table names.
func wireErrorToErrkind(wireErr *protocol.WireError) error {
	var kind errkind.Kind
	var exit errkind.ExitCode
	switch wireErr.Code {
	case protocol.CodeInvalidRequest:
		kind, exit = errkind.Protocol, errkind.ExitTransportSSH
	case protocol.CodeUnsupportedProtocol:
		kind, exit = errkind.Resolution, errkind.ExitWorkerIncompatible
	case protocol.CodeFeatureMissing:
		kind, exit = errkind.Resolution, errkind.ExitWorkerIncompatible
	case protocol.CodeBusy:
		kind, exit = errkind.Capacity, errkind.ExitWorkerBusy
	case protocol.CodeLeaseExpired:
		kind, exit = errkind.Lease, errkind.ExitWorkerBusy
	case protocol.CodeSourceMissing:
		kind, exit = errkind.Source, errkind.ExitTransfer
	case protocol.CodeArtifactsGone:
		kind, exit = errkind.Artifacts, errkind.ExitArtifacts
	case protocol.CodePayloadTooLarge:
		kind, exit = errkind.Source, errkind.ExitTransfer
	default:
		kind, exit = errkind.Transport, errkind.ExitTransportSSH
	}
	return errkind.Newf(kind, "%s: %s", wireErr.Code, wireErr.Message).
		WithExitCode(exit).
		WithData("wire_code", string(wireErr.Code)).
		WithData("wire_data", wireErr.Data)
}

// Reserve requests a job slot.
func (c *Client) Reserve(ctx context.Context, runID string) (rpc.ReserveResponse, error) {
	resp, err := c.call(ctx, rpc.OpReserve, rpc.ReserveRequest{RunID: runID})
	if err != nil {
		return rpc.ReserveResponse{}, err
	}
	var out rpc.ReserveResponse
	return out, decodePayload(resp, &out)
}

// Release returns a previously reserved job slot; idempotent.
func (c *Client) Release(ctx context.Context, leaseID string) error {
	_, err := c.call(ctx, rpc.OpRelease, rpc.ReleaseRequest{LeaseID: leaseID})
	return err
}

// HasSource checks whether the worker already holds sourceSHA256.
func (c *Client) HasSource(ctx context.Context, sourceSHA256 string) (bool, error) {
	resp, err := c.call(ctx, rpc.OpHasSource, rpc.HasSourceRequest{SourceSHA256: sourceSHA256})
	if err != nil {
		return false, err
	}
	var out rpc.HasSourceResponse
	if err := decodePayload(resp, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// UploadSource streams archive to the worker, resuming from resume if
// set. It loops until the worker reports complete: true.
func (c *Client) UploadSource(ctx context.Context, sourceSHA256, compression string, archive []byte) error {
	var resume *rpc.UploadResume
	offset := int64(0)

	for {
		chunk := archive[offset:]
		sum := sha256.Sum256(chunk)

		reqPayload := rpc.UploadSourceRequest{
			SourceSHA256: sourceSHA256,
			Compression:  compression,
			Resume:       resume,
		}
		payloadBytes, err := json.Marshal(reqPayload)
		if err != nil {
			return errkind.Wrap(errkind.Source, err, "marshal upload_source request")
		}

		version := c.negotiatedVersion()
		stream := &rpc.StreamMeta{
			ContentLength: int64(len(chunk)),
			ContentSHA256: hex.EncodeToString(sum[:]),
			Compression:   compression,
			Format:        "tar",
		}

		resp, err := c.roundTripWithUpload(ctx, version, payloadBytes, stream, chunk)
		if err != nil {
			return err
		}

		var out rpc.UploadSourceResponse
		if err := decodePayload(resp, &out); err != nil {
			return err
		}
		if out.Complete {
			return nil
		}
		resume = &rpc.UploadResume{UploadID: out.UploadID, Offset: out.NextOffset}
		offset = out.NextOffset
	}
}

// roundTripWithUpload is like roundTrip but also streams chunk's raw
// bytes immediately after the request header, per spec.md §4.A's
// "binary-payload operations append opaque bytes after the JSON header".
func (c *Client) roundTripWithUpload(ctx context.Context, version int, payload json.RawMessage, stream *rpc.StreamMeta, chunk []byte) (rpc.Response, error) {
	req := rpc.Request{
		ProtocolVersion: version,
		Op:              rpc.OpUploadSource,
		RequestID:       c.nextRequestID(),
		Payload:         payload,
		Stream:          stream,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := rpc.WriteMessage(c.conn, req); err != nil {
		return rpc.Response{}, errkind.Wrap(errkind.Transport, err, "write upload_source header")
	}
	if _, err := c.conn.Write(chunk); err != nil {
		return rpc.Response{}, errkind.Wrap(errkind.Transport, err, "write upload_source bytes")
	}

	var resp rpc.Response
	if err := rpc.ReadMessage(c.reader, &resp); err != nil {
		return rpc.Response{}, errkind.Wrap(errkind.Transport, err, "read upload_source response")
	}
	if !resp.OK && resp.Error != nil {
		return resp, wireErrorToErrkind(resp.Error)
	}
	return resp, nil
}

// Submit creates (or idempotently re-observes) a job. Never retried
// automatically (spec.md §4.H).
func (c *Client) Submit(ctx context.Context, req rpc.SubmitRequest) (rpc.SubmitResponse, error) {
	version := c.negotiatedVersion()
	body, err := json.Marshal(req)
	if err != nil {
		return rpc.SubmitResponse{}, errkind.Wrap(errkind.Job, err, "marshal submit request")
	}
	resp, err := c.roundTrip(ctx, version, rpc.OpSubmit, body, nil)
	if err != nil {
		return rpc.SubmitResponse{}, err
	}
	var out rpc.SubmitResponse
	return out, decodePayload(resp, &out)
}

// Status fetches the current job state.
func (c *Client) Status(ctx context.Context, jobID string) (rpc.StatusResponse, error) {
	resp, err := c.call(ctx, rpc.OpStatus, rpc.StatusRequest{JobID: jobID})
	if err != nil {
		return rpc.StatusResponse{}, err
	}
	var out rpc.StatusResponse
	return out, decodePayload(resp, &out)
}

// Tail fetches log lines from cursor.
func (c *Client) Tail(ctx context.Context, jobID string, cursor, limit int64) (rpc.TailResponse, error) {
	resp, err := c.call(ctx, rpc.OpTail, rpc.TailRequest{JobID: jobID, Cursor: cursor, Limit: limit})
	if err != nil {
		return rpc.TailResponse{}, err
	}
	var out rpc.TailResponse
	return out, decodePayload(resp, &out)
}

// Cancel requests cancellation of a running job.
func (c *Client) Cancel(ctx context.Context, jobID, reason string) (rpc.CancelResponse, error) {
	resp, err := c.call(ctx, rpc.OpCancel, rpc.CancelRequest{JobID: jobID, Reason: reason})
	if err != nil {
		return rpc.CancelResponse{}, err
	}
	var out rpc.CancelResponse
	return out, decodePayload(resp, &out)
}

// Fetch retrieves the job's artifact tar as a byte slice.
func (c *Client) Fetch(ctx context.Context, jobID string) ([]byte, error) {
	version := c.negotiatedVersion()
	body, err := json.Marshal(rpc.FetchRequest{JobID: jobID})
	if err != nil {
		return nil, errkind.Wrap(errkind.Artifacts, err, "marshal fetch request")
	}

	c.mu.Lock()
	req := rpc.Request{
		ProtocolVersion: version,
		Op:              rpc.OpFetch,
		RequestID:       c.nextRequestID(),
		Payload:         body,
	}
	if err := rpc.WriteMessage(c.conn, req); err != nil {
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.Transport, err, "write fetch request")
	}

	var resp rpc.Response
	if err := rpc.ReadMessage(c.reader, &resp); err != nil {
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.Transport, err, "read fetch response")
	}
	if !resp.OK && resp.Error != nil {
		c.mu.Unlock()
		return nil, wireErrorToErrkind(resp.Error)
	}
	if resp.Stream == nil {
		c.mu.Unlock()
		return nil, errkind.New(errkind.Artifacts, "fetch response missing stream metadata")
	}

	data := make([]byte, resp.Stream.ContentLength)
	_, err = io.ReadFull(c.reader, data)
	c.mu.Unlock()
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, err, "read fetch stream bytes")
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != resp.Stream.ContentSHA256 {
		return nil, errkind.New(errkind.Artifacts, "fetch stream sha256 mismatch")
	}
	return data, nil
}

func decodePayload(resp rpc.Response, out any) error {
	if resp.Payload == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return errkind.Wrap(errkind.Protocol, err, "decode response payload")
	}
	return nil
}
