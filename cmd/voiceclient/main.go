package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/client"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/protocol"
)

type options struct {
	url          string
	wavPath      string
	outDir       string
	ext          string
	realtime     float64
	silence      time.Duration
	endUtterance bool
	replies      int
	timeout      time.Duration
	backoff      time.Duration
	logLevel     string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(config.LogConfig{Level: opts.logLevel, Format: "console"})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, logger); err != nil {
		fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("voiceclient", flag.ContinueOnError)
	fs.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/v1/voice/ws", "gateway websocket URL")
	fs.StringVar(&opts.wavPath, "wav", "", "16 kHz PCM16 WAV file to stream (default: raw PCM16LE from stdin)")
	fs.StringVar(&opts.outDir, "out", "", "directory for reply audio files (reply-N.<ext>); empty disables")
	fs.StringVar(&opts.ext, "ext", "mp3", "file extension for reply audio")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 0=as fast as possible)")
	fs.DurationVar(&opts.silence, "silence", time.Second, "trailing silence sent after the audio")
	fs.BoolVar(&opts.endUtterance, "end", false, "send audio_end after the trailing silence")
	fs.IntVar(&opts.replies, "replies", 1, "exit after this many complete replies")
	fs.DurationVar(&opts.timeout, "timeout", 60*time.Second, "overall timeout")
	fs.DurationVar(&opts.backoff, "reconnect-backoff", client.DefaultReconnectBackoff, "delay before reconnecting")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.url = strings.TrimSpace(opts.url)
	if opts.url == "" {
		return options{}, fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(opts.url, "ws://") && !strings.HasPrefix(opts.url, "wss://") {
		return options{}, fmt.Errorf("url must use ws:// or wss://")
	}
	if opts.realtime < 0 {
		return options{}, fmt.Errorf("realtime must be >= 0")
	}
	if opts.replies < 1 {
		return options{}, fmt.Errorf("replies must be >= 1")
	}
	if opts.silence < 0 {
		opts.silence = 0
	}
	opts.ext = strings.TrimPrefix(strings.TrimSpace(opts.ext), ".")
	if opts.ext == "" {
		opts.ext = "bin"
	}
	return opts, nil
}

func run(ctx context.Context, opts options, stdin io.Reader, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	pcm, err := loadPCM(opts.wavPath, stdin)
	if err != nil {
		return err
	}
	pcm = append(pcm, make([]byte, audio.ChunkBytes(int(opts.silence.Seconds()*audio.SampleRate)))...)

	c := client.New(client.Config{
		URL:              opts.url,
		ReconnectBackoff: opts.backoff,
		Logger:           logger,
	})
	c.Start(ctx)
	defer c.Close()

	id, err := c.WaitReady(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("voiceclient: session=%s audio=%s\n", id, audio.Duration(len(pcm)))

	sink := newReplySink(opts.outDir, opts.ext)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return receive(gctx, c.Events(), sink, opts.replies)
	})
	g.Go(func() error {
		return stream(gctx, c, pcm, opts)
	})
	return g.Wait()
}

func loadPCM(wavPath string, stdin io.Reader) ([]byte, error) {
	if wavPath == "" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw[:len(raw)-len(raw)%audio.BytesPerSample], nil
	}
	raw, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if sampleRate != audio.SampleRate {
		return nil, fmt.Errorf("wav sample rate %d Hz, want %d Hz", sampleRate, audio.SampleRate)
	}
	return pcm, nil
}

// stream sends pcm one chunk at a time, paced to opts.realtime.
func stream(ctx context.Context, c *client.Client, pcm []byte, opts options) error {
	for _, chunk := range audio.SplitPCM(pcm, audio.ChunkBytes(audio.DefaultChunkSamples)) {
		if err := sendWithRetry(ctx, c, chunk); err != nil {
			return err
		}
		if opts.realtime > 0 {
			pace := time.Duration(float64(audio.Duration(len(chunk))) / opts.realtime)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pace):
			}
		}
	}
	if opts.endUtterance {
		return c.EndUtterance()
	}
	return nil
}

// sendWithRetry waits out a reconnect instead of failing the whole run.
func sendWithRetry(ctx context.Context, c *client.Client, chunk []byte) error {
	for {
		err := c.SendAudio(chunk)
		if err == nil || !errors.Is(err, client.ErrNotConnected) {
			return err
		}
		if _, err := c.WaitReady(ctx); err != nil {
			return err
		}
	}
}

func receive(ctx context.Context, events <-chan any, sink *replySink, want int) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reply %d/%d: %w", sink.Count()+1, want, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("client stopped before reply %d/%d", sink.Count()+1, want)
			}
			switch m := ev.(type) {
			case client.Connected:
				fmt.Printf("voiceclient: connected session=%s\n", m.SessionID)
			case client.Disconnected:
				fmt.Printf("voiceclient: disconnected session=%s err=%v\n", m.SessionID, m.Err)
				sink.Reset()
			case protocol.STTPartial:
				fmt.Printf("  ... %s\n", m.Text)
			case protocol.STTResult:
				fmt.Printf("you: %s\n", m.Text)
			case protocol.GPTResponse:
				fmt.Printf("bot: %s\n", m.Text)
			case protocol.TTSChunk:
				if err := sink.Add(m); err != nil {
					return err
				}
			case protocol.TTSEnd:
				path, n, err := sink.Finish()
				if err != nil {
					return err
				}
				if path != "" {
					fmt.Printf("voiceclient: reply %d saved to %s (%d chunks)\n", sink.Count(), path, n)
				} else {
					fmt.Printf("voiceclient: reply %d complete (%d chunks)\n", sink.Count(), n)
				}
				if sink.Count() >= want {
					return nil
				}
			case protocol.ErrorEvent:
				fmt.Printf("voiceclient: server error code=%s message=%s\n", m.Code, m.Message)
			}
		}
	}
}
