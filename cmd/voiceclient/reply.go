package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ent0n29/voicegate/internal/protocol"
)

// replySink appends each reply's tts_chunk payloads, in seq order, to
// reply-N.<ext> under dir. Chunks arriving ahead of a gap are held back.
type replySink struct {
	dir string
	ext string

	replies int
	next    int
	pending map[int][]byte
	written int
	file    *os.File
}

func newReplySink(dir, ext string) *replySink {
	return &replySink{dir: dir, ext: ext, next: 1, pending: make(map[int][]byte)}
}

func (s *replySink) Count() int { return s.replies }

func (s *replySink) Add(chunk protocol.TTSChunk) error {
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("tts_chunk %d: %w", chunk.Seq, err)
	}
	if chunk.Seq < s.next {
		return nil
	}
	s.pending[chunk.Seq] = data
	for {
		buf, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		delete(s.pending, s.next)
		if err := s.write(buf); err != nil {
			return err
		}
		s.next++
		s.written++
	}
}

func (s *replySink) write(data []byte) error {
	if s.dir == "" {
		return nil
	}
	if s.file == nil {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return err
		}
		f, err := os.Create(s.path(s.replies + 1))
		if err != nil {
			return err
		}
		s.file = f
	}
	_, err := s.file.Write(data)
	return err
}

func (s *replySink) path(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("reply-%d.%s", n, s.ext))
}

// Finish closes the current reply and returns its file path (empty when
// nothing was saved) and chunk count.
func (s *replySink) Finish() (string, int, error) {
	s.replies++
	n := s.written
	var path string
	var err error
	if s.file != nil {
		path = s.file.Name()
		err = s.file.Close()
	}
	s.file = nil
	s.next = 1
	s.written = 0
	clear(s.pending)
	return path, n, err
}

// Reset drops a reply interrupted by a disconnect.
func (s *replySink) Reset() {
	if s.file != nil {
		name := s.file.Name()
		_ = s.file.Close()
		_ = os.Remove(name)
		s.file = nil
	}
	s.next = 1
	s.written = 0
	clear(s.pending)
}
