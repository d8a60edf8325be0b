package server

import (
	"bytes"
	"go/format"
	"os"
	"path/filepath"
	"testing"
)

func TestSourcesAreGofmtClean(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	for _, name := range files {
		src, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		formatted, err := format.Source(src)
		if err != nil {
			t.Fatalf("format %s: %v", name, err)
		}
		if !bytes.Equal(src, formatted) {
			t.Errorf("%s is not gofmt-clean", name)
		}
	}
}
