package engine

import (
	"bytes"
	"sync"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/wire"
)

// streamFlushSize is the buffered text size that triggers an early flush.
const streamFlushSize = 4096

// outputStream buffers text a request writes and publishes it as stream
// messages parented to that request.
type outputStream struct {
	e      *Engine
	parent *wire.Message
	name   string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *outputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.buf.Write(p)
	if s.buf.Len() >= streamFlushSize {
		s.flushLocked()
	}
	return n, nil
}

func (s *outputStream) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *outputStream) flushLocked() {
	if s.buf.Len() == 0 {
		return
	}
	text := s.buf.String()
	s.buf.Reset()
	s.e.publish(s.parent, model.MsgStream, model.StreamContent{Name: s.name, Text: text})
}

// outputs is the stdout/stderr pair for one request.
type outputs struct {
	stdout *outputStream
	stderr *outputStream
}

func (e *Engine) newOutputs(parent *wire.Message) *outputs {
	return &outputs{
		stdout: &outputStream{e: e, parent: parent, name: "stdout"},
		stderr: &outputStream{e: e, parent: parent, name: "stderr"},
	}
}

func (o *outputs) flush() {
	if o == nil {
		return
	}
	o.stdout.Flush()
	o.stderr.Flush()
}
