package main

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/protocol"
)

func TestReplySinkWritesInSequenceOrder(t *testing.T) {
	dir := t.TempDir()
	sink := newReplySink(dir, "mp3")

	chunk := func(seq int, s string) protocol.TTSChunk {
		return protocol.NewTTSChunk(base64.StdEncoding.EncodeToString([]byte(s)), seq)
	}
	for _, c := range []protocol.TTSChunk{chunk(1, "a"), chunk(3, "c"), chunk(2, "b"), chunk(2, "dup")} {
		if err := sink.Add(c); err != nil {
			t.Fatalf("Add(seq=%d) error = %v", c.Seq, err)
		}
	}
	path, n, err := sink.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if n != 3 || path != filepath.Join(dir, "reply-1.mp3") {
		t.Fatalf("Finish() = %q, %d", path, n)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("reply bytes = %q, want abc", got)
	}

	if err := sink.Add(chunk(1, "z")); err != nil {
		t.Fatalf("Add() second reply error = %v", err)
	}
	path, _, _ = sink.Finish()
	if path != filepath.Join(dir, "reply-2.mp3") || sink.Count() != 2 {
		t.Fatalf("second reply path = %q count = %d", path, sink.Count())
	}
}

func TestReplySinkResetDiscardsPartialReply(t *testing.T) {
	dir := t.TempDir()
	sink := newReplySink(dir, "ogg")
	if err := sink.Add(protocol.NewTTSChunk(base64.StdEncoding.EncodeToString([]byte("x")), 1)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	sink.Reset()
	if _, err := os.Stat(filepath.Join(dir, "reply-1.ogg")); !os.IsNotExist(err) {
		t.Fatalf("partial reply kept, stat err = %v", err)
	}
	if sink.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", sink.Count())
	}
}

func TestParseFlagsValidation(t *testing.T) {
	if _, err := parseFlags([]string{"-url", "http://x"}); err == nil {
		t.Fatalf("expected error for http url")
	}
	if _, err := parseFlags([]string{"-replies", "0"}); err == nil {
		t.Fatalf("expected error for zero replies")
	}
	opts, err := parseFlags([]string{"-ext", ".ogg", "-silence", "500ms"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.ext != "ogg" || opts.silence != 500*time.Millisecond {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestLoadPCMFromWAVAndStdin(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0x18, 0xFC}
	wav, err := audio.EncodeWAVPCM16LE(pcm, audio.SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	got, err := loadPCM(path, nil)
	if err != nil {
		t.Fatalf("loadPCM(wav) error = %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}

	wrongRate, _ := audio.EncodeWAVPCM16LE(pcm, 8000)
	_ = os.WriteFile(path, wrongRate, 0o644)
	if _, err := loadPCM(path, nil); err == nil {
		t.Fatalf("expected sample rate error")
	}

	got, err = loadPCM("", bytes.NewReader([]byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("loadPCM(stdin) error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("stdin pcm len = %d, want 2", len(got))
	}
}
