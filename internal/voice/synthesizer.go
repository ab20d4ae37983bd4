package voice

import (
	"context"
	"fmt"
	"time"
)

// synthesisIdleTimeout bounds the wait between two provider events so a
// silent upstream still completes the turn.
const synthesisIdleTimeout = 10 * time.Second

type SynthesisOptions struct {
	VoiceID  string
	ModelID  string
	Settings TTSSettings
}

// AudioChunk is one synthesized chunk; Seq starts at 1 within a reply.
type AudioChunk struct {
	Seq    int
	Data   string
	Format string
}

type SynthesisResult struct {
	Chunks       int
	FirstChunkAt time.Time
	Completed    bool
}

// Synthesize streams text through one provider stream and hands every audio
// chunk to emit in provider order. It returns exactly once: on the provider's
// final event, when the event channel closes, on a provider error, or when ctx
// is cancelled. Errors come back together with the partial result.
func Synthesize(
	ctx context.Context,
	provider TTSProvider,
	text string,
	opts SynthesisOptions,
	emit func(AudioChunk) error,
) (SynthesisResult, error) {
	var res SynthesisResult
	spoken := speakableText(text)
	if spoken == "" {
		res.Completed = true
		return res, nil
	}

	stream, err := provider.StartStream(ctx, opts.VoiceID, opts.ModelID, opts.Settings)
	if err != nil {
		return res, &TurnError{Class: ClassSetup, Op: opStartSynthesis, Err: err}
	}
	defer stream.Close()

	for _, segment := range speechSegments(spoken) {
		if err := stream.SendText(ctx, segment, true); err != nil {
			return res, &TurnError{Class: ClassTransport, Op: opSynthesisStream, Err: fmt.Errorf("send text: %w", err)}
		}
	}
	if err := stream.CloseInput(ctx); err != nil {
		return res, &TurnError{Class: ClassTransport, Op: opSynthesisStream, Err: fmt.Errorf("close input: %w", err)}
	}

	idle := time.NewTimer(synthesisIdleTimeout)
	defer idle.Stop()
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-idle.C:
			return res, &TurnError{Class: ClassTransport, Op: opSynthesisStream, Err: fmt.Errorf("no audio for %s", synthesisIdleTimeout)}
		case ev, ok := <-events:
			if !ok {
				res.Completed = true
				return res, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(synthesisIdleTimeout)

			switch ev.Type {
			case TTSEventAudio:
				if ev.AudioBase64 == "" {
					continue
				}
				res.Chunks++
				if res.Chunks == 1 {
					res.FirstChunkAt = time.Now()
				}
				if err := emit(AudioChunk{Seq: res.Chunks, Data: ev.AudioBase64, Format: ev.Format}); err != nil {
					return res, err
				}
			case TTSEventFinal:
				res.Completed = true
				return res, nil
			case TTSEventError:
				return res, &TurnError{
					Class: ClassTransport,
					Op:    opSynthesisStream,
					Err:   fmt.Errorf("%s: %s", ev.Code, ev.Detail),
				}
			}
		}
	}
}
