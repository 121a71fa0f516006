package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadDir_FiltersAndSniffs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.gguf", []byte("GGUF\x03\x00\x00\x00"))
	writeFile(t, dir, "a.task", []byte("PK\x03\x04rest"))
	writeFile(t, dir, "c.tflite", []byte("\x1c\x00\x00\x00TFL3"))
	writeFile(t, dir, "notes.txt", []byte("GGUF"))
	writeFile(t, dir, "weird.bin", []byte("nope"))
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 4 {
		t.Fatalf("expected 4 models, got %d: %+v", len(models), models)
	}
	want := map[string]string{
		"a.task":    "task",
		"b.gguf":    "gguf",
		"c.tflite":  "tflite",
		"weird.bin": "unknown",
	}
	for i, m := range models {
		if i > 0 && models[i-1].ID > m.ID {
			t.Fatalf("not sorted: %v", models)
		}
		if want[m.ID] != m.Format {
			t.Fatalf("%s: format=%q want %q", m.ID, m.Format, want[m.ID])
		}
		if !filepath.IsAbs(m.Path) {
			t.Fatalf("path not absolute: %s", m.Path)
		}
	}
	if models[1].Name != "b" || models[1].SizeBytes != 8 {
		t.Fatalf("unexpected metadata: %+v", models[1])
	}
}

func TestLoadDir_MissingDir(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "m.gguf", []byte("GGUF"))
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := Lookup(models, "m.gguf"); !ok {
		t.Fatalf("expected lookup hit")
	}
	if _, ok := Lookup(models, "x.gguf"); ok {
		t.Fatalf("expected lookup miss")
	}
}

func TestSniffBytes(t *testing.T) {
	cases := []struct {
		in   string
		want Format
	}{
		{"GGUF\x03", FormatGGUF},
		{"PK\x03\x04", FormatTask},
		{"\x18\x00\x00\x00TFL3", FormatTFLite},
		{"TFL3", FormatUnknown},
		{"", FormatUnknown},
	}
	for _, c := range cases {
		if got := SniffBytes([]byte(c.in)); got != c.want {
			t.Fatalf("SniffBytes(%q)=%s want %s", c.in, got, c.want)
		}
	}
}
