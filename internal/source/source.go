// Package source opens ingestion inputs, plain log files or zip archives, and
// hands every contained entry to the caller as line-oriented NDJSON. Archive
// entries are sniffed: a pretty-printed JSON array or single object is
// flattened to compact one-line documents, anything else is passed through
// line by line.
package source

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxLineBytes bounds a single logical line. Stack traces routinely run to
// hundreds of kilobytes; 16MB matches the upstream store's document cap.
const MaxLineBytes = 16 * 1024 * 1024

// EntryFunc receives one named, line-oriented entry. The reader is only valid
// for the duration of the call.
type EntryFunc func(name string, r io.Reader) error

// EachEntry opens path and invokes fn once per contained entry. A plain file
// is a single entry named by its base name; a zip archive yields one entry per
// non-directory member, in archive order. An fn error aborts the walk.
func EachEntry(path string, fn EntryFunc) error {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return eachZipEntry(path, fn)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input %s: %w", path, err)
	}
	defer f.Close()

	return fn(filepath.Base(path), f)
}

func eachZipEntry(path string, fn EntryFunc) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()

	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}

		rc, err := member.Open()
		if err != nil {
			return fmt.Errorf("open archive entry %s: %w", member.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read archive entry %s: %w", member.Name, err)
		}

		if err := fn(member.Name, bytes.NewReader(flattenEntry(content))); err != nil {
			return err
		}
	}
	return nil
}

// flattenEntry normalizes one archive entry to NDJSON. A whole-entry JSON
// array becomes one compact document per line, a whole-entry JSON object one
// single line; content that is not a single JSON value (NDJSON, raw text) is
// returned untouched.
func flattenEntry(content []byte) []byte {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	if len(trimmed) == 0 {
		return nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return content
		}
		var buf bytes.Buffer
		for i, item := range items {
			if i > 0 {
				buf.WriteByte('\n')
			}
			compactInto(&buf, item)
		}
		return buf.Bytes()
	case '{':
		if !json.Valid(trimmed) {
			// Multiple values on separate lines; already line-oriented.
			return content
		}
		var buf bytes.Buffer
		compactInto(&buf, trimmed)
		return buf.Bytes()
	default:
		return content
	}
}

func compactInto(buf *bytes.Buffer, raw []byte) {
	start := buf.Len()
	if err := json.Compact(buf, raw); err != nil {
		buf.Truncate(start)
		buf.Write(bytes.TrimSpace(raw))
	}
}
