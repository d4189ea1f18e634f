package source

import (
	"archive/zip"
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return lines
}

func TestEachEntryPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	content := `{"log":{"level":"ERROR","message":"one"}}` + "\n" + `{"log":{"level":"INFO","message":"two"}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var names []string
	var lines []string
	err := EachEntry(path, func(name string, r io.Reader) error {
		names = append(names, name)
		lines = append(lines, readLines(t, r)...)
		return nil
	})
	if err != nil {
		t.Fatalf("EachEntry: %v", err)
	}
	if len(names) != 1 || names[0] != "app.log" {
		t.Errorf("names = %v", names)
	}
	if len(lines) != 2 || !strings.Contains(lines[0], "one") {
		t.Errorf("lines = %v", lines)
	}
}

func TestEachEntryZipSniffing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.zip")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	entries := map[string]string{
		"array.json": "[\n  {\"a\": 1},\n  {\"b\": 2},\n  {\"c\": 3}\n]",
		"single.json": "{\n  \"log\": {\n    \"level\": \"ERROR\"\n  }\n}",
		"stream.json": `{"x":1}` + "\n" + `{"y":2}`,
		"notes.txt":   "plain text line",
	}
	// Fixed order so assertions below line up with archive order.
	for _, name := range []string{"array.json", "single.json", "stream.json", "notes.txt"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(entries[name])); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := zw.Create("dir/"); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	got := map[string][]string{}
	var order []string
	err = EachEntry(path, func(name string, r io.Reader) error {
		order = append(order, name)
		got[name] = readLines(t, r)
		return nil
	})
	if err != nil {
		t.Fatalf("EachEntry: %v", err)
	}

	if len(order) != 4 {
		t.Fatalf("expected 4 entries (directories skipped), got %v", order)
	}

	array := got["array.json"]
	if len(array) != 3 || array[0] != `{"a":1}` || array[2] != `{"c":3}` {
		t.Errorf("array entry = %v", array)
	}

	single := got["single.json"]
	if len(single) != 1 || single[0] != `{"log":{"level":"ERROR"}}` {
		t.Errorf("single entry = %v", single)
	}

	stream := got["stream.json"]
	if len(stream) != 2 || stream[0] != `{"x":1}` {
		t.Errorf("stream entry = %v", stream)
	}

	if notes := got["notes.txt"]; len(notes) != 1 || notes[0] != "plain text line" {
		t.Errorf("text entry = %v", notes)
	}
}

func TestEachEntryMissingFile(t *testing.T) {
	err := EachEntry(filepath.Join(t.TempDir(), "absent.log"), func(string, io.Reader) error {
		t.Fatal("callback must not run")
		return nil
	})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
