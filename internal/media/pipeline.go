package media

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/sebas/gbnvr/internal/catalog"
)

// PipelineState is reported by a running pipeline over its event
// channel.
type PipelineState int

const (
	PipelineStarting PipelineState = iota
	PipelinePlaying
	PipelineEOS
	PipelineError
	PipelineStopped
)

// String returns the string representation of the state
func (s PipelineState) String() string {
	switch s {
	case PipelineStarting:
		return "starting"
	case PipelinePlaying:
		return "playing"
	case PipelineEOS:
		return "eos"
	case PipelineError:
		return "error"
	case PipelineStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Event is one structured pipeline state transition.
type Event struct {
	State PipelineState
	Err   error
}

// EncodeParams is the negotiated H.264 profile handed to the
// transcoder.
type EncodeParams struct {
	Profile     string
	BitrateKbps int
	KeyInterval int
	Width       int
	Height      int
}

// resolutionPresets maps the GB28181 format resolution index to pixel
// dimensions.
var resolutionPresets = map[int][2]int{
	1: {176, 144},
	2: {352, 288},
	3: {704, 576},
	4: {720, 576},
}

// ResolutionFor returns the pixel dimensions for a GB28181 resolution
// index, defaulting to 704x576.
func ResolutionFor(index int) (width, height int) {
	if dims, ok := resolutionPresets[index]; ok {
		return dims[0], dims[1]
	}
	return 704, 576
}

// GraphSpec is the declarative description of one media pipeline:
// source, transcode stage, payloader parameters and RTP sink. The
// runner turns it into a running pipeline and reports structured state
// transitions.
type GraphSpec struct {
	Channel catalog.Channel
	Encode  EncodeParams

	PayloadType uint8
	SSRC        uint32
	LocalPort   int
	Remote      *net.UDPAddr
	// Loop restarts a file source at end-of-stream.
	Loop bool
}

// Pipeline is one running media graph.
type Pipeline interface {
	// Start begins streaming. It returns once the graph has
	// initialised; construction failures surface here so INVITE
	// handling can answer 488.
	Start(ctx context.Context) error
	// Stop tears the graph down. The RTP socket is closed before Stop
	// returns, so no packets are emitted afterwards.
	Stop()
	// Events delivers state transitions until the pipeline stops.
	Events() <-chan Event
}

// Runner builds pipelines from graph specs. The media engine behind it
// is a black box to the rest of the system; tests substitute their
// own.
type Runner interface {
	Build(spec GraphSpec) (Pipeline, error)
}

// Source delivers H.264 access units downstream at presentation pace.
type Source interface {
	// Run pushes access units into emit until ctx is cancelled, the
	// stream ends (returns nil) or fails (returns the error).
	Run(ctx context.Context, emit func(au [][]byte, dur time.Duration) error) error
	Close() error
}

func randomSequenceStart() uint16 {
	return uint16(rand.Uint32() & 0x7FFF)
}

func randomTimestampStart() uint32 {
	return rand.Uint32() & 0x7FFFFFFF
}
