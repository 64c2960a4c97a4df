package apilog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"batcom/engine/models"
)

// Writer appends self-delimited request/response blocks to the per-AO API
// call log. Telemetry is never on the critical path: every write failure is
// reported through the error callback and swallowed.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	onErr  func(error)
	blocks int
}

const delimiter = "========================================"

// Open creates the log file for one AO:
// apicall.<world>.<mission>.<ao_index>.<iso_timestamp>.log under dir.
func Open(dir, world, mission string, aoIndex int, onErr func(error)) *Writer {
	if onErr == nil {
		onErr = func(error) {}
	}
	w := &Writer{onErr: onErr}
	if dir == "" {
		return w
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		onErr(fmt.Errorf("create api log dir: %w", err))
		return w
	}
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	w.path = filepath.Join(dir, fmt.Sprintf("apicall.%s.%s.%d.%s.log", world, mission, aoIndex, stamp))
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		onErr(fmt.Errorf("open api log: %w", err))
		return w
	}
	w.f = f
	w.writeLines(
		delimiter,
		"BATCOM API call log",
		"World: "+world,
		"Mission: "+mission,
		fmt.Sprintf("AO-Index: %d", aoIndex),
		"Opened: "+time.Now().UTC().Format(time.RFC3339),
		delimiter,
		"",
	)
	return w
}

// Path reports the file location; empty when logging is disabled or failed.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Block is one recorded exchange.
type Block struct {
	Cycle       int
	MissionTime float64
	Usage       models.TokenUsage
	Request     []byte
	Response    []byte
	Thoughts    string
	Err         string
}

// Append writes one block and flushes on the block boundary.
func (w *Writer) Append(b Block) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	w.blocks++
	lines := []string{
		delimiter,
		"Block-ID: " + uuid.NewString(),
		"Timestamp: " + time.Now().UTC().Format(time.RFC3339),
		fmt.Sprintf("Cycle: %d", b.Cycle),
		fmt.Sprintf("Mission-Time: %.1f", b.MissionTime),
		"Provider: " + b.Usage.Provider,
		"Model: " + b.Usage.Model,
		fmt.Sprintf("Tokens: input=%d output=%d cached=%d total=%d", b.Usage.Input, b.Usage.Output, b.Usage.Cached, b.Usage.Total),
		fmt.Sprintf("Latency-Ms: %d", b.Usage.Latency.Milliseconds()),
	}
	if b.Err != "" {
		lines = append(lines, "Error: "+b.Err)
	}
	lines = append(lines, "--- request ---", string(b.Request), "--- response ---", string(b.Response))
	if b.Thoughts != "" {
		lines = append(lines, "--- thoughts ---", b.Thoughts)
	}
	lines = append(lines, delimiter, "")
	w.writeLines(lines...)
	if err := w.f.Sync(); err != nil {
		w.onErr(fmt.Errorf("flush api log: %w", err))
	}
}

func (w *Writer) writeLines(lines ...string) {
	for _, line := range lines {
		if _, err := w.f.WriteString(line + "\n"); err != nil {
			w.onErr(fmt.Errorf("write api log: %w", err))
			return
		}
	}
}

// Close writes the footer and releases the file. Safe on a disabled writer.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	w.writeLines(
		delimiter,
		fmt.Sprintf("Closed: %s after %d blocks", time.Now().UTC().Format(time.RFC3339), w.blocks),
		delimiter,
	)
	if err := w.f.Close(); err != nil {
		w.onErr(fmt.Errorf("close api log: %w", err))
	}
	w.f = nil
}
