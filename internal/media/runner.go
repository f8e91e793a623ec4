package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/gbnvr/internal/catalog"
)

// Transcoder is the encode stage of the pipeline. The actual codec
// engine is an external collaborator; this interface is what the graph
// submits access units through.
type Transcoder interface {
	// Transcode converts one access unit to H.264 at the configured
	// parameters.
	Transcode(au [][]byte) ([][]byte, error)
	Close() error
}

// PassthroughTranscoder forwards H.264 access units unchanged. Used
// when the source already delivers the negotiated codec.
type PassthroughTranscoder struct{}

func (PassthroughTranscoder) Transcode(au [][]byte) ([][]byte, error) { return au, nil }
func (PassthroughTranscoder) Close() error                            { return nil }

// TranscoderFactory builds the encode stage for a graph. Injected so
// deployments with a real codec engine can substitute theirs.
type TranscoderFactory func(params EncodeParams) (Transcoder, error)

// LocalRunner runs pipelines in-process: source, transcode stage and
// RTP sender wired by goroutine.
type LocalRunner struct {
	newTranscoder TranscoderFactory
}

// NewLocalRunner creates a runner. factory may be nil, in which case
// access units pass through unencoded.
func NewLocalRunner(factory TranscoderFactory) *LocalRunner {
	if factory == nil {
		factory = func(EncodeParams) (Transcoder, error) {
			return PassthroughTranscoder{}, nil
		}
	}
	return &LocalRunner{newTranscoder: factory}
}

// Build implements Runner.
func (r *LocalRunner) Build(spec GraphSpec) (Pipeline, error) {
	source, err := newSource(spec.Channel, spec.Loop)
	if err != nil {
		return nil, err
	}
	return &localPipeline{
		spec:          spec,
		source:        source,
		newTranscoder: r.newTranscoder,
		events:        make(chan Event, 8),
	}, nil
}

// newSource selects the source element from the channel's media
// handle.
func newSource(ch catalog.Channel, loop bool) (Source, error) {
	switch ch.Kind {
	case catalog.SourceFile:
		return NewFileSource(ch.Handle, loop), nil
	case catalog.SourceRTSP:
		return NewRTSPSource(ch.Handle), nil
	default:
		return nil, fmt.Errorf("media: unsupported source kind %s", ch.Kind)
	}
}

type localPipeline struct {
	spec          GraphSpec
	source        Source
	newTranscoder TranscoderFactory

	events chan Event

	mu       sync.Mutex
	cancel   context.CancelFunc
	sender   *RTPSender
	stopped  bool
	stopOnce sync.Once
}

// Start implements Pipeline. The sender and transcoder are constructed
// synchronously so failures surface to the INVITE handler; the source
// loop runs in the background.
func (p *localPipeline) Start(ctx context.Context) error {
	transcoder, err := p.newTranscoder(p.spec.Encode)
	if err != nil {
		return fmt.Errorf("media: build transcoder: %w", err)
	}

	sender, err := NewRTPSender(p.spec.LocalPort, p.spec.Remote, p.spec.SSRC, p.spec.PayloadType)
	if err != nil {
		transcoder.Close()
		return fmt.Errorf("media: bind rtp sender: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		sender.Close()
		transcoder.Close()
		return fmt.Errorf("media: pipeline already stopped")
	}
	p.cancel = cancel
	p.sender = sender
	p.mu.Unlock()

	go p.run(runCtx, transcoder, sender)
	return nil
}

func (p *localPipeline) run(ctx context.Context, transcoder Transcoder, sender *RTPSender) {
	defer transcoder.Close()
	defer p.source.Close()

	p.emit(Event{State: PipelineStarting})

	first := true
	err := p.source.Run(ctx, func(au [][]byte, dur time.Duration) error {
		encoded, terr := transcoder.Transcode(au)
		if terr != nil {
			return terr
		}
		if werr := sender.WriteAccessUnit(encoded, dur); werr != nil {
			return werr
		}
		if first {
			first = false
			p.emit(Event{State: PipelinePlaying})
		}
		return nil
	})

	switch {
	case ctx.Err() != nil:
		p.emit(Event{State: PipelineStopped})
	case err != nil:
		p.emit(Event{State: PipelineError, Err: err})
	default:
		p.emit(Event{State: PipelineEOS})
	}
}

// Stop implements Pipeline. Closing the sender here guarantees no RTP
// leaves for the former destination after Stop returns.
func (p *localPipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel := p.cancel
		sender := p.sender
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sender != nil {
			if err := sender.Close(); err != nil {
				slog.Debug("[Media] Sender close", "error", err)
			}
		}
	})
}

func (p *localPipeline) Events() <-chan Event {
	return p.events
}

func (p *localPipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		// Watchdog fell behind; drop rather than block the media path.
	}
}
