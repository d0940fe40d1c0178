package server

import (
	"bytes"
	"sync"
)

// uploadSession accumulates framed bytes for one in-progress
// upload_source call keyed by upload_id (spec.md §4.I).
type uploadSession struct {
	mu           sync.Mutex
	sourceSHA256 string
	compression  string
	buf          bytes.Buffer
}

func (s *uploadSession) write(p []byte) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()
}

func (s *uploadSession) offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.buf.Len())
}

func (s *uploadSession) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.buf.Bytes()...)
}
