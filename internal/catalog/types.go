// Package catalog maintains the channel catalog and the historical
// recording index, rebuilt from filesystem scans.
package catalog

import (
	"time"
)

// Status is the GB28181 channel status value.
type Status string

const (
	StatusOn  Status = "ON"
	StatusOff Status = "OFF"
)

// SourceKind distinguishes file-backed channels from live RTSP feeds.
type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceRTSP
)

// String returns the string representation of the source kind
func (k SourceKind) String() string {
	switch k {
	case SourceFile:
		return "file"
	case SourceRTSP:
		return "rtsp"
	default:
		return "unknown"
	}
}

// Channel is one media endpoint exposed in the catalog. Handle is a
// file path for SourceFile and an RTSP URL for SourceRTSP.
type Channel struct {
	ID     string
	Name   string
	Handle string
	Kind   SourceKind
	Status Status
	// Loop restarts playback at end-of-stream for file channels.
	Loop bool
}

// Recording is one historical clip in the time index.
type Recording struct {
	ChannelID string
	Start     time.Time
	End       time.Time
	Name      string
	Path      string
	FileSize  int64
	Type      string
}

// GBTimeLayout is the compact UTC form used inside GB28181 payloads.
const GBTimeLayout = "20060102T150405Z"

// FormatGBTime renders t in the compact GB28181 UTC form.
func FormatGBTime(t time.Time) string {
	return t.UTC().Format(GBTimeLayout)
}

// ParseGBTime parses the compact GB28181 UTC form. It also accepts the
// ISO variant with dashes and colons that some platforms emit.
func ParseGBTime(s string) (time.Time, error) {
	if t, err := time.Parse(GBTimeLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z", s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}
