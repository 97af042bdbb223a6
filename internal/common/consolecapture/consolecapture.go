// Package consolecapture records what a job prints, line by line, while still echoing it.
package consolecapture

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

type Output struct {
	Label string `json:"label"`
	Lines []Line `json:"lines"`
}

func (o Output) Text() string {
	var sb strings.Builder
	for _, line := range o.Lines {
		sb.WriteString(line.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Tail returns the text of at most the last n lines.
func (o Output) Tail(n int) string {
	lines := o.Lines
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return Output{Lines: lines}.Text()
}

type Capture struct {
	label string
	echo  io.Writer
	now   func() time.Time

	mu        sync.Mutex
	lines     []Line
	startTime time.Time
	endTime   time.Time
	stopped   bool
}

// Start begins a capture. Everything written to the capture's writers is also copied to echo, unless it is nil.
func Start(label string, echo io.Writer) *Capture {
	c := &Capture{label: label, echo: echo, now: func() time.Time { return time.Now().UTC() }}
	c.startTime = c.now()
	return c
}

// Writer returns a new writer feeding the capture. Each writer buffers its own incomplete last line.
func (c *Capture) Writer() io.Writer {
	return &lineWriter{capture: c}
}

// Println is a convenience for code that writes status messages into the capture directly.
func (c *Capture) Println(text string) {
	_, _ = c.Writer().Write([]byte(text + "\n"))
}

func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		c.endTime = c.now()
	}
}

func (c *Capture) StartTime() time.Time {
	return c.startTime
}

func (c *Capture) EndTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTime
}

func (c *Capture) Output() Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := make([]Line, len(c.lines))
	copy(lines, c.lines)
	return Output{Label: c.label, Lines: lines}
}

func (c *Capture) addLine(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, Line{Timestamp: c.now(), Text: text})
}

type lineWriter struct {
	capture *Capture
	mu      sync.Mutex
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.capture.echo != nil {
		if _, err := w.capture.echo.Write(p); err != nil {
			return 0, err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.capture.addLine(strings.TrimSuffix(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush records any incomplete trailing line.
func Flush(w io.Writer) {
	lw, ok := w.(*lineWriter)
	if !ok {
		return
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.partial) > 0 {
		lw.capture.addLine(string(lw.partial))
		lw.partial = nil
	}
}
