package logging

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// lineWriter prefixes every complete line with a sequence number and a
// timestamp before handing it to the target. Partial lines are held back
// until their newline arrives or Close is called.
type lineWriter struct {
	mu     sync.Mutex
	target io.Writer
	seq    uint64
	buf    bytes.Buffer
	now    func() time.Time
}

func newLineWriter(target io.Writer) *lineWriter {
	return &lineWriter{target: target, now: time.Now}
}

func (w *lineWriter) writeLine(line []byte) error {
	w.seq++
	prefix := slog.Uint64("line", w.seq).String() + " " +
		slog.String("time", w.now().Format(time.RFC3339)).String() + " "
	if _, err := io.WriteString(w.target, prefix); err != nil {
		return err
	}
	if _, err := w.target.Write(line); err != nil {
		return err
	}
	_, err := w.target.Write([]byte{'\n'})
	return err
}

// Write reports len(p) on success so slog handlers don't treat the prefix as a short write.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(w.buf.Next(idx+1), []byte{'\n'})
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if err := w.writeLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	rest := append([]byte(nil), w.buf.Bytes()...)
	w.buf.Reset()
	return w.writeLine(rest)
}
