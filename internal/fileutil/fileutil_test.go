package fileutil

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := filepath.Join("/state", "nested", "record.json")

	if err := WriteFileAtomic(fs, path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(fs, path, []byte("second")); err != nil {
		t.Fatal(err)
	}

	got, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("content mismatch: got %q", got)
	}

	entries, err := afero.ReadDir(fs, filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestWriteAndReadJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/state/value.json"

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := WriteJSONAtomic(fs, path, payload{Name: "call", Count: 3}); err != nil {
		t.Fatal(err)
	}
	var got payload
	if err := ReadJSON(fs, path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "call" || got.Count != 3 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestReadJSONRejectsCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/bad.json", []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := ReadJSON(fs, "/bad.json", &v); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestReadable(t *testing.T) {
	fs := afero.NewMemMapFs()
	ok, err := Readable(fs, "/missing.json")
	if err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}
	if err := fs.MkdirAll("/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if ok, _ := Readable(fs, "/dir"); ok {
		t.Fatal("directory should not be readable as a file")
	}
	if err := afero.WriteFile(fs, "/present.json", []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := Readable(fs, "/present.json"); err != nil || !ok {
		t.Fatalf("present file: ok=%v err=%v", ok, err)
	}
}
