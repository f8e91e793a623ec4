package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// videoExtensions is the fixed suffix set collected by the scan.
var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mkv": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
	".3gp": true, ".ts": true, ".mts": true,
}

// timedName matches "<name>_<start>_<end>.<ext>" with compact GB times,
// e.g. cam1_20250515T080000Z_20250515T090000Z.mp4.
var timedName = regexp.MustCompile(`^(.+)_(\d{8}T\d{6}Z)_(\d{8}T\d{6}Z)$`)

// debounce delay applied to filesystem change bursts before rescanning.
const rescanDebounce = 2 * time.Second

// Scanner walks the stream directory in the background and publishes
// results to the Store. It rescans on a fixed interval and whenever the
// directory changes.
type Scanner struct {
	store    *Store
	root     string
	deviceID string
	interval time.Duration
	loop     bool

	scanCh chan struct{}
}

// NewScanner creates a scanner for root. interval <= 0 disables the
// periodic rescan (change-triggered scans still run). loop controls
// whether file channels restart at end-of-stream or end the session.
func NewScanner(store *Store, root, deviceID string, interval time.Duration, loop bool) *Scanner {
	return &Scanner{
		store:    store,
		root:     root,
		deviceID: deviceID,
		interval: interval,
		loop:     loop,
		scanCh:   make(chan struct{}, 1),
	}
}

// Trigger requests an asynchronous rescan and returns immediately.
// Requests arriving while a scan runs coalesce into one follow-up scan.
func (s *Scanner) Trigger() {
	select {
	case s.scanCh <- struct{}{}:
	default:
	}
}

// Serve runs the scan loop until ctx is cancelled. Implements
// suture.Service.
func (s *Scanner) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("[Catalog] Filesystem watch unavailable, relying on periodic scans", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.root); err != nil {
			slog.Warn("[Catalog] Cannot watch stream directory", "root", s.root, "error", err)
		}
	}

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Initial scan on startup.
	s.runScan(ctx)

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		var events chan fsnotify.Event
		var watchErrs chan error
		if watcher != nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			s.runScan(ctx)
		case <-s.scanCh:
			s.runScan(ctx)
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(rescanDebounce)
			} else {
				debounce.Reset(rescanDebounce)
			}
			debounceCh = debounce.C
		case <-debounceCh:
			debounceCh = nil
			s.runScan(ctx)
		case err := <-watchErrs:
			slog.Warn("[Catalog] Watcher error", "error", err)
		}
	}
}

// runScan performs one full walk and atomically publishes the result.
// Cancellation abandons the partial result; the previous catalog stays
// visible.
func (s *Scanner) runScan(ctx context.Context) {
	s.store.SetScanning(true)
	started := time.Now()

	channels, recordings, err := s.collect(ctx)
	if err != nil {
		s.store.SetScanning(false)
		if ctx.Err() != nil {
			slog.Debug("[Catalog] Scan cancelled", "root", s.root)
			return
		}
		slog.Warn("[Catalog] Scan failed", "root", s.root, "error", err)
		return
	}

	s.store.ReplaceScanned(channels, recordings)
	slog.Info("[Catalog] Scan complete",
		"root", s.root,
		"channels", len(channels),
		"recordings", len(recordings),
		"elapsed", time.Since(started).Round(time.Millisecond).String(),
	)
}

// collect walks the root and builds channels plus the recording index.
// Unreadable directories are logged and skipped.
func (s *Scanner) collect(ctx context.Context) ([]Channel, []Recording, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Debug("[Catalog] Skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if videoExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Sorted path order keeps channel ID assignment stable between
	// scans of an unchanged tree.
	sort.Strings(paths)

	var channels []Channel
	var recordings []Recording
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			slog.Debug("[Catalog] Skipping unreadable file", "path", path, "error", err)
			continue
		}

		id := s.channelID(i + 1)
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		channels = append(channels, Channel{
			ID:     id,
			Name:   name,
			Handle: path,
			Kind:   SourceFile,
			Status: StatusOn,
			Loop:   s.loop,
		})

		start, end := recordingWindow(name, info.ModTime())
		recordings = append(recordings, Recording{
			ChannelID: id,
			Start:     start,
			End:       end,
			Name:      name,
			Path:      path,
			FileSize:  info.Size(),
			Type:      "time",
		})
	}

	return channels, recordings, nil
}

// channelID derives a 20-digit channel ID from the device ID: the first
// 17 digits carry over and a 3-digit serial replaces the tail.
func (s *Scanner) channelID(serial int) string {
	prefix := s.deviceID
	if len(prefix) > 17 {
		prefix = prefix[:17]
	}
	return fmt.Sprintf("%s%03d", prefix, serial%1000)
}

// recordingWindow derives [start, end] for a clip. File names carrying
// an explicit compact-GB time range win; otherwise the modification
// time bounds a zero-length window.
func recordingWindow(name string, modTime time.Time) (time.Time, time.Time) {
	if m := timedName.FindStringSubmatch(name); m != nil {
		start, err1 := ParseGBTime(m[2])
		end, err2 := ParseGBTime(m[3])
		if err1 == nil && err2 == nil && !end.Before(start) {
			return start, end
		}
	}
	t := modTime.UTC()
	return t, t
}
