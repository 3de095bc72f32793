package hydra

import (
	"bytes"
	"io"
)

// memSink is a minimal in-memory raft.SnapshotSink for exercising
// FSM.Snapshot/Restore without a real raft.SnapshotStore.
type memSink struct {
	buf bytes.Buffer
}

func newMemSink() *memSink { return &memSink{} }

func (s *memSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memSink) Close() error                 { return nil }
func (s *memSink) ID() string                   { return "mem-sink" }
func (s *memSink) Cancel() error                { return nil }

func (s *memSink) readCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.buf.Bytes()))
}
