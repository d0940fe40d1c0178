// Package server implements the worker's RPC dispatch (spec.md §4.I):
// validation order, lease/capacity accounting, job submission and
// polling, and fetch framing. Single-goroutine-per-connection dispatch
// over the forced-command exec channel mirrors mantle/network's
// connection-handling idiom (SPEC_FULL.md "Worker RPC Server"); lease
// and job tables are guarded by sync.Mutex as spec.md §5 mandates.
package server

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/rpc"
	"github.com/paulrobinshaw/rch-xcode/sourcestore"
	"github.com/paulrobinshaw/rch-xcode/zstdio"
)

// Runner executes one job's native tool invocation. onLine is called
// for every line of combined stdout/stderr the executor backend
// produces (already prefixed per spec.md §4.J for stderr). cancel is
// polled by the implementation to notice a cancellation request.
type Runner interface {
	Run(ctx context.Context, spec JobSpec, onLine func(string), cancel *atomic.Bool) (exitCode int, err error)
}

// Config describes one worker's static limits and identity, reported
// verbatim in every probe response.
type Config struct {
	Capabilities      capabilities.Capabilities
	ProtocolRange     protocol.ProtocolRange
	MaxConcurrentJobs int
	MaxUploadBytes    int64
	LeaseTTL          time.Duration
	JobsRoot          string
}

// Server holds all mutable worker-side state: leases, jobs, and
// in-progress upload sessions.
type Server struct {
	cfg    Config
	store  *sourcestore.Store
	runner Runner

	mu      sync.Mutex
	leases  map[string]*lease
	jobs    map[string]*job
	uploads map[string]*uploadSession
}

// New builds a Server ready to dispatch requests.
func New(cfg Config, store *sourcestore.Store, runner Runner) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		leases:  make(map[string]*lease),
		jobs:    make(map[string]*job),
		uploads: make(map[string]*uploadSession),
	}
}

// Serve reads one request at a time from conn, dispatches it, and
// writes the response, until conn is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriter) error {
	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var req rpc.Request
		if err := rpc.ReadMessage(reader, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		resp, streamBytes := s.dispatch(ctx, reader, req)
		if err := rpc.WriteMessage(conn, resp); err != nil {
			return err
		}
		if streamBytes != nil {
			if _, err := conn.Write(streamBytes); err != nil {
				return err
			}
		}
	}
}

func errorResponse(req rpc.Request, code protocol.WireCode, msg string, data map[string]any) rpc.Response {
	return rpc.Response{
		ProtocolVersion: req.ProtocolVersion,
		RequestID:       req.RequestID,
		OK:              false,
		Error:           &protocol.WireError{Code: code, Message: msg, Data: data},
	}
}

func okResponse(req rpc.Request, payload any) rpc.Response {
	data, _ := json.Marshal(payload)
	return rpc.Response{
		ProtocolVersion: req.ProtocolVersion,
		RequestID:       req.RequestID,
		OK:              true,
		Payload:         data,
	}
}

// dispatch validates req in the order spec.md §4.I names (well-formed
// JSON is already guaranteed by ReadMessage succeeding; protocol
// version next; then per-op required fields) before routing to the
// op's handler. stream is only read by upload_source, for the bytes
// that follow its header; fetch returns its stream bytes to Serve.
func (s *Server) dispatch(ctx context.Context, stream *bufio.Reader, req rpc.Request) (rpc.Response, []byte) {
	if req.Op == rpc.OpProbe {
		if req.ProtocolVersion != 0 {
			return errorResponse(req, protocol.CodeInvalidRequest, "probe must use protocol_version 0", nil), nil
		}
	} else {
		if req.ProtocolVersion == 0 || req.ProtocolVersion < s.cfg.ProtocolRange.Min || req.ProtocolVersion > s.cfg.ProtocolRange.Max {
			return errorResponse(req, protocol.CodeUnsupportedProtocol, "unsupported protocol version", map[string]any{
				"min": s.cfg.ProtocolRange.Min, "max": s.cfg.ProtocolRange.Max,
			}), nil
		}
	}

	switch req.Op {
	case rpc.OpProbe:
		return s.handleProbe(req), nil
	case rpc.OpReserve:
		return s.handleReserve(req), nil
	case rpc.OpRelease:
		return s.handleRelease(req), nil
	case rpc.OpHasSource:
		return s.handleHasSource(req), nil
	case rpc.OpUploadSource:
		return s.handleUploadSource(req, stream), nil
	case rpc.OpSubmit:
		return s.handleSubmit(ctx, req), nil
	case rpc.OpStatus:
		return s.handleStatus(req), nil
	case rpc.OpTail:
		return s.handleTail(req), nil
	case rpc.OpCancel:
		return s.handleCancel(req), nil
	case rpc.OpFetch:
		return s.handleFetch(req)
	default:
		return errorResponse(req, protocol.CodeInvalidRequest, "unknown op", nil), nil
	}
}

func (s *Server) handleProbe(req rpc.Request) rpc.Response {
	payload := rpc.ProbePayload{Capabilities: s.cfg.Capabilities}
	payload.ProtocolRange.Min = s.cfg.ProtocolRange.Min
	payload.ProtocolRange.Max = s.cfg.ProtocolRange.Max
	return okResponse(req, payload)
}

func (s *Server) handleReserve(req rpc.Request) rpc.Response {
	var body rpc.ReserveRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed reserve payload", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.leases) >= s.cfg.MaxConcurrentJobs {
		return errorResponse(req, protocol.CodeBusy, "no job slots available", map[string]any{"retry_after_seconds": 5})
	}

	ttl := s.cfg.LeaseTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	id := ulid.Make().String()
	expires := time.Now().Add(ttl)
	s.leases[id] = &lease{id: id, runID: body.RunID, expiresAt: expires}

	return okResponse(req, rpc.ReserveResponse{LeaseID: id, ExpiresAt: expires.UTC().Format(time.RFC3339)})
}

func (s *Server) handleRelease(req rpc.Request) rpc.Response {
	var body rpc.ReleaseRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed release payload", nil)
	}

	s.mu.Lock()
	delete(s.leases, body.LeaseID)
	s.mu.Unlock()

	return okResponse(req, struct{}{})
}

func (s *Server) handleHasSource(req rpc.Request) rpc.Response {
	var body rpc.HasSourceRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed has_source payload", nil)
	}
	return okResponse(req, rpc.HasSourceResponse{Exists: s.store.Has(body.SourceSHA256)})
}

func (s *Server) handleUploadSource(req rpc.Request, stream *bufio.Reader) rpc.Response {
	var body rpc.UploadSourceRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed upload_source payload", nil)
	}
	if req.Stream == nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "upload_source missing stream metadata", nil)
	}
	if s.cfg.MaxUploadBytes > 0 && req.Stream.ContentLength > s.cfg.MaxUploadBytes {
		io.CopyN(io.Discard, stream, req.Stream.ContentLength)
		return errorResponse(req, protocol.CodePayloadTooLarge, "upload exceeds max_upload_bytes", map[string]any{"limit": s.cfg.MaxUploadBytes})
	}

	chunk := make([]byte, req.Stream.ContentLength)
	if _, err := io.ReadFull(stream, chunk); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "short read on upload_source stream", nil)
	}
	sum := sha256.Sum256(chunk)
	if hex.EncodeToString(sum[:]) != req.Stream.ContentSHA256 {
		return errorResponse(req, protocol.CodeInvalidRequest, "upload_source chunk sha256 mismatch", nil)
	}

	s.mu.Lock()
	var uploadID string
	var sess *uploadSession
	if body.Resume != nil {
		uploadID = body.Resume.UploadID
		sess = s.uploads[uploadID]
		if sess == nil {
			s.mu.Unlock()
			return errorResponse(req, protocol.CodeInvalidRequest, "unknown upload_id", nil)
		}
	} else {
		uploadID = ulid.Make().String()
		sess = &uploadSession{sourceSHA256: body.SourceSHA256, compression: body.Compression}
		s.uploads[uploadID] = sess
	}
	s.mu.Unlock()

	sess.write(chunk)
	nextOffset := sess.offset()

	fullBytes := sess.bytes()

	// The source store always holds the canonical uncompressed
	// bundle, so a zstd-compressed stream is decoded at this wire
	// boundary before the completeness check and the commit below
	// (spec.md §4.A "compression∈{none,zstd}"; the store's own
	// invariant is defined over source_sha256, which is always the
	// hash of the uncompressed bundle).
	var decoded []byte
	switch body.Compression {
	case string(sourcestore.CompressionZstd):
		var err error
		decoded, err = zstdio.Decompress(fullBytes)
		if err != nil {
			// A still-partial compressed stream fails to decode the
			// same way a truncated frame would; treat it as "more
			// bytes expected" rather than a hard error so resumed
			// uploads can still complete.
			return okResponse(req, rpc.UploadSourceResponse{UploadID: uploadID, NextOffset: nextOffset, Complete: false})
		}
	default:
		decoded = fullBytes
	}

	decodedSum := sha256.Sum256(decoded)
	decodedSHA := hex.EncodeToString(decodedSum[:])

	if decodedSHA != body.SourceSHA256 {
		// Not yet complete; caller will send another chunk.
		return okResponse(req, rpc.UploadSourceResponse{UploadID: uploadID, NextOffset: nextOffset, Complete: false})
	}

	if _, err := s.store.Store(body.SourceSHA256, decodedSHA, sourcestore.CompressionNone, newByteReader(decoded)); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "commit uploaded source: "+err.Error(), nil)
	}

	s.mu.Lock()
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	return okResponse(req, rpc.UploadSourceResponse{UploadID: uploadID, NextOffset: nextOffset, Complete: true})
}

func (s *Server) handleSubmit(ctx context.Context, req rpc.Request) rpc.Response {
	var body rpc.SubmitRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed submit payload", nil)
	}

	s.mu.Lock()
	if existing, ok := s.jobs[body.JobID]; ok {
		s.mu.Unlock()
		existing.mu.Lock()
		sameKey := existing.spec.JobKey == body.JobKey
		state := existing.state
		existing.mu.Unlock()
		if !sameKey {
			return errorResponse(req, protocol.CodeInvalidRequest, "job_id already used with a different job_key", nil)
		}
		return okResponse(req, rpc.SubmitResponse{JobID: body.JobID, State: string(state)})
	}

	if !s.store.Has(body.SourceSHA256) {
		s.mu.Unlock()
		return errorResponse(req, protocol.CodeSourceMissing, "source not found in store", map[string]any{"sha256": body.SourceSHA256})
	}

	jobDir := filepath.Join(s.cfg.JobsRoot, body.JobID)
	j := &job{
		spec: JobSpec{
			RunID:                body.RunID,
			JobID:                body.JobID,
			JobKey:               body.JobKey,
			Action:               body.Action,
			SourceSHA256:         body.SourceSHA256,
			SanitizedArgv:        body.SanitizedArgv,
			ToolchainBuild:       body.ToolchainBuild,
			ToolchainJSON:        body.ToolchainJSON,
			DestinationJSON:      body.DestinationJSON,
			EffectiveConfigJSON:  body.EffectiveConfigJSON,
			InvocationJSON:       body.InvocationJSON,
			JobKeyInputsJSON:     body.JobKeyInputsJSON,
			ClassifierPolicyJSON: body.ClassifierPolicyJSON,
			DerivedDataMode:      body.DerivedDataMode,
			Backend:              body.Backend,
			ArtifactProfile:      body.ArtifactProfile,
			WorkDir:              filepath.Join(jobDir, "work"),
			ArtifactsDir:         filepath.Join(jobDir, "artifacts"),
		},
		state: JobQueued,
		log:   &logBuffer{},
	}
	s.jobs[body.JobID] = j
	s.mu.Unlock()

	go s.runJob(ctx, j)

	return okResponse(req, rpc.SubmitResponse{JobID: body.JobID, State: string(JobQueued)})
}

func (s *Server) runJob(ctx context.Context, j *job) {
	j.setState(JobRunning)
	j.mu.Lock()
	j.startedAt = time.Now()
	j.mu.Unlock()

	var cancelFlag atomic.Bool
	j.mu.Lock()
	j.cancelFn = func(string) { cancelFlag.Store(true) }
	j.mu.Unlock()

	exitCode, err := s.runner.Run(ctx, j.spec, j.log.append, &cancelFlag)

	j.mu.Lock()
	j.exitCode = &exitCode
	j.finishedAt = time.Now()
	switch {
	case cancelFlag.Load():
		j.state = JobCancelled
	case err != nil || exitCode != 0:
		j.state = JobFailed
	default:
		j.state = JobSucceeded
	}
	j.mu.Unlock()
}

func (s *Server) handleStatus(req rpc.Request) rpc.Response {
	var body rpc.StatusRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed status payload", nil)
	}

	s.mu.Lock()
	j, ok := s.jobs[body.JobID]
	s.mu.Unlock()
	if !ok {
		return errorResponse(req, protocol.CodeInvalidRequest, "unknown job_id", nil)
	}

	state, exitCode, startedAt, finishedAt := j.snapshot()
	resp := rpc.StatusResponse{
		JobID:              body.JobID,
		State:              string(state),
		ExitCode:           exitCode,
		ArtifactsAvailable: state.IsTerminal(),
	}
	if !startedAt.IsZero() {
		resp.StartedAt = startedAt.UTC().Format(time.RFC3339)
	}
	if !finishedAt.IsZero() {
		resp.FinishedAt = finishedAt.UTC().Format(time.RFC3339)
	}
	return okResponse(req, resp)
}

func (s *Server) handleTail(req rpc.Request) rpc.Response {
	var body rpc.TailRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed tail payload", nil)
	}

	s.mu.Lock()
	j, ok := s.jobs[body.JobID]
	s.mu.Unlock()
	if !ok {
		return errorResponse(req, protocol.CodeInvalidRequest, "unknown job_id", nil)
	}

	lines, next := j.log.slice(body.Cursor, body.Limit)
	state, _, _, _ := j.snapshot()

	resp := rpc.TailResponse{Lines: lines}
	if state.IsTerminal() && next >= j.log.length() {
		resp.NextCursor = nil
	} else {
		resp.NextCursor = &next
	}
	return okResponse(req, resp)
}

func (s *Server) handleCancel(req rpc.Request) rpc.Response {
	var body rpc.CancelRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed cancel payload", nil)
	}

	s.mu.Lock()
	j, ok := s.jobs[body.JobID]
	s.mu.Unlock()
	if !ok {
		return errorResponse(req, protocol.CodeInvalidRequest, "unknown job_id", nil)
	}

	j.mu.Lock()
	if j.state.IsTerminal() {
		state := j.state
		j.mu.Unlock()
		return okResponse(req, rpc.CancelResponse{State: string(state), AlreadyTerminal: true})
	}
	j.state = JobCancelRequested
	cancelFn := j.cancelFn
	j.mu.Unlock()

	if cancelFn != nil {
		cancelFn(body.Reason)
	}

	return okResponse(req, rpc.CancelResponse{State: string(JobCancelRequested), AlreadyTerminal: false})
}

func (s *Server) handleFetch(req rpc.Request) (rpc.Response, []byte) {
	var body rpc.FetchRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errorResponse(req, protocol.CodeInvalidRequest, "malformed fetch payload", nil), nil
	}

	s.mu.Lock()
	j, ok := s.jobs[body.JobID]
	s.mu.Unlock()
	if !ok {
		return errorResponse(req, protocol.CodeInvalidRequest, "unknown job_id", nil), nil
	}

	state, _, _, _ := j.snapshot()
	if !state.IsTerminal() {
		return errorResponse(req, protocol.CodeInvalidRequest, "job is not terminal", nil), nil
	}

	archive, sha, err := readArtifactsTar(s.cfg.JobsRoot, j.spec.JobID)
	if err != nil {
		return errorResponse(req, protocol.CodeArtifactsGone, err.Error(), nil), nil
	}

	resp := okResponse(req, struct{}{})
	resp.Stream = &rpc.StreamMeta{
		ContentLength: int64(len(archive)),
		ContentSHA256: sha,
		Compression:   "none",
		Format:        "tar",
	}
	return resp, archive
}
