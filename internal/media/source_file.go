package media

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// fileFrameInterval paces file playback. Container demuxing is the
// codec engine's job; the raw Annex-B path assumes 25 fps.
const fileFrameInterval = 40 * time.Millisecond

// FileSource plays an Annex-B H.264 elementary stream from disk,
// pacing access units at the frame interval. With loop enabled it
// restarts at end-of-stream.
type FileSource struct {
	path string
	loop bool
}

// NewFileSource creates a file source for path.
func NewFileSource(path string, loop bool) *FileSource {
	return &FileSource{path: path, loop: loop}
}

// Run implements Source.
func (s *FileSource) Run(ctx context.Context, emit func(au [][]byte, dur time.Duration) error) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("media: read %s: %w", s.path, err)
	}

	var annexB h264.AnnexB
	if err := annexB.Unmarshal(data); err != nil {
		return fmt.Errorf("media: parse %s: %w", s.path, err)
	}
	nalus := [][]byte(annexB)

	units := groupAccessUnits(nalus)
	if len(units) == 0 {
		return fmt.Errorf("media: %s contains no access units", s.path)
	}

	ticker := time.NewTicker(fileFrameInterval)
	defer ticker.Stop()

	for {
		for _, au := range units {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if err := emit(au, fileFrameInterval); err != nil {
				return err
			}
		}
		if !s.loop {
			return nil
		}
	}
}

// Close implements Source.
func (s *FileSource) Close() error { return nil }

// groupAccessUnits splits a NALU stream into access units: parameter
// sets and SEI attach to the following VCL NALU, which closes the
// unit.
func groupAccessUnits(nalus [][]byte) [][][]byte {
	var units [][][]byte
	var current [][]byte

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		current = append(current, nalu)

		typ := h264.NALUType(nalu[0] & 0x1F)
		if typ >= h264.NALUTypeNonIDR && typ <= h264.NALUTypeIDR {
			units = append(units, current)
			current = nil
		}
	}
	if len(current) > 0 {
		units = append(units, current)
	}
	return units
}
