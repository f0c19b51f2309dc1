// Package observer converts the backend's opaque log and response streams
// into typed progress events for the ledger.
package observer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vast-ai/goworker/internal/models"
)

// LogAction tells the tailer what a matched log marker means.
type LogAction int

const (
	// ActionModelLoaded marks the model server as finished loading.
	ActionModelLoaded LogAction = iota
	// ActionModelError marks the model server as unrecoverably errored.
	ActionModelError
	// ActionInfo mirrors the matched line into the proxy's own logs.
	ActionInfo
)

// ActionRule pairs a substring marker with the action it triggers.
type ActionRule struct {
	Action LogAction
	Marker string
}

// ParseFunc extracts a per-request progress event from one log line.
type ParseFunc func(line string) (models.ProgressEvent, bool)

// EventSink consumes progress events, in line order.
type EventSink func(models.ProgressEvent)

// ActionFunc is notified when an action rule matches a line.
type ActionFunc func(action LogAction, line string)

// Tailer follows the model server's log file and demultiplexes progress
// lines by the request id they carry. One tailer runs per backend process.
//
// It buffers partial lines until a newline arrives, and detects rotation
// and truncation (file replaced, or shorter than the read offset) by
// reopening instead of erroring.
type Tailer struct {
	path     string
	parse    ParseFunc
	sink     EventSink
	rules    []ActionRule
	onAction ActionFunc

	// PollInterval bounds how long the tailer sleeps at end of file when
	// filesystem notifications are unavailable or lost.
	PollInterval time.Duration
}

func NewTailer(path string, parse ParseFunc, sink EventSink, rules []ActionRule, onAction ActionFunc) *Tailer {
	return &Tailer{
		path:         path,
		parse:        parse,
		sink:         sink,
		rules:        rules,
		onAction:     onAction,
		PollInterval: 100 * time.Millisecond,
	}
}

var errReopen = errors.New("log file rotated")

// Run follows the log until ctx is canceled. It never returns on a
// recoverable stream problem; rotation and truncation reopen the file.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		f, err := t.waitOpen(ctx)
		if err != nil {
			return err
		}

		err = t.follow(ctx, f)
		f.Close()

		switch {
		case errors.Is(err, errReopen):
			slog.Info("Log file rotated, reopening", "path", t.path)
			continue
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}
}

// waitOpen blocks until the log file exists. The bootstrap step creates it
// alongside the model server process, so absence just means "not yet".
func (t *Tailer) waitOpen(ctx context.Context) (*os.File, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		f, err := os.Open(t.path)
		if err == nil {
			slog.Info("Tailing model log", "path", t.path)
			return f, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tailer) follow(ctx context.Context, f *os.File) error {
	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		slog.Warn("Falling back to polling", "error", werr)
	} else {
		defer watcher.Close()
		if err := watcher.Add(t.path); err != nil {
			slog.Warn("Falling back to polling", "error", err)
			watcher.Close()
			watcher = nil
		}
	}

	opened, err := f.Stat()
	if err != nil {
		return errReopen
	}

	reader := bufio.NewReader(f)
	var partial strings.Builder
	var offset int64

	for {
		chunk, err := reader.ReadString('\n')
		offset += int64(len(chunk))
		if err == nil {
			partial.WriteString(strings.TrimRight(chunk, "\r\n"))
			t.handleLine(partial.String())
			partial.Reset()
			continue
		}
		if !errors.Is(err, io.EOF) {
			return errReopen
		}
		partial.WriteString(chunk)

		if rotated(t.path, opened, offset) {
			return errReopen
		}
		if err := t.waitForMore(ctx, watcher); err != nil {
			return err
		}
	}
}

// rotated reports whether the file at path is no longer the file we opened,
// or shrank below our read offset.
func rotated(path string, opened os.FileInfo, offset int64) bool {
	current, err := os.Stat(path)
	if err != nil {
		return true
	}
	if !os.SameFile(current, opened) {
		return true
	}
	return current.Size() < offset
}

func (t *Tailer) waitForMore(ctx context.Context, watcher *fsnotify.Watcher) error {
	timer := time.NewTimer(t.PollInterval)
	defer timer.Stop()

	if watcher == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case ev := <-watcher.Events:
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return errReopen
		}
		return nil
	case err := <-watcher.Errors:
		slog.Warn("Log watcher error", "error", err)
		return nil
	}
}

func (t *Tailer) handleLine(line string) {
	if line == "" {
		return
	}

	for _, rule := range t.rules {
		if !strings.Contains(line, rule.Marker) {
			continue
		}
		if t.onAction != nil {
			t.onAction(rule.Action, line)
		}
		if rule.Action == ActionModelError {
			return
		}
	}

	if t.parse == nil || t.sink == nil {
		return
	}
	if ev, ok := t.parse(line); ok {
		t.sink(ev)
	}
}
