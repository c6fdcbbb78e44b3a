// Package capture writes raw result objects as newline-delimited JSON.
package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Writer appends one compact JSON object per line. It is not safe for concurrent use.
type Writer struct {
	path string
	f    *os.File
	w    *bufio.Writer
	buf  bytes.Buffer
}

// Open creates dir components as needed and opens path for appending or truncation.
func Open(path string, appendMode bool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	flag := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (w *Writer) Path() string { return w.path }

// Write appends each object on its own line and flushes.
func (w *Writer) Write(objs ...json.RawMessage) error {
	for _, o := range objs {
		w.buf.Reset()
		if err := json.Compact(&w.buf, o); err != nil {
			return fmt.Errorf("capture %s: %w", w.path, err)
		}
		w.buf.WriteByte('\n')
		if _, err := w.w.Write(w.buf.Bytes()); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

func (w *Writer) Close() error {
	ferr := w.w.Flush()
	if err := w.f.Close(); err != nil {
		return err
	}
	return ferr
}
