package language

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveKnownLanguages(t *testing.T) {
	tbl := NewTable(nil)

	tests := []struct {
		lang      string
		binary    string
		extension string
	}{
		{"python", "python3", "py"},
		{"javascript", "node", "js"},
		{"bash", "bash", "sh"},
		{"Python", "python3", "py"},
		{"  JS  ", "node", "js"},
		{"sh", "bash", "sh"},
	}

	for _, tt := range tests {
		spec, err := tbl.Resolve(tt.lang)
		if err != nil {
			t.Errorf("Resolve(%q) unexpected error: %v", tt.lang, err)
			continue
		}
		if spec.Binary != tt.binary {
			t.Errorf("Resolve(%q).Binary = %q, want %q", tt.lang, spec.Binary, tt.binary)
		}
		if spec.Extension != tt.extension {
			t.Errorf("Resolve(%q).Extension = %q, want %q", tt.lang, spec.Extension, tt.extension)
		}
	}
}

func TestResolveUnsupported(t *testing.T) {
	tbl := NewTable(nil)

	_, err := tbl.Resolve("cobol")
	if err == nil {
		t.Fatal("Resolve(cobol) expected error")
	}

	var unsup *UnsupportedError
	if !errors.As(err, &unsup) {
		t.Fatalf("Resolve(cobol) error type = %T, want *UnsupportedError", err)
	}
	if !strings.Contains(err.Error(), "cobol") {
		t.Errorf("error %q should name the requested language", err.Error())
	}
}

func TestResolveDisabledLanguage(t *testing.T) {
	tbl := NewTable([]string{"python"})

	if _, err := tbl.Resolve("python"); err != nil {
		t.Errorf("Resolve(python) on python-only table: %v", err)
	}

	_, err := tbl.Resolve("javascript")
	var unsup *UnsupportedError
	if !errors.As(err, &unsup) {
		t.Fatalf("Resolve(javascript) on python-only table: error = %v, want *UnsupportedError", err)
	}
}

func TestArgsIncludeFile(t *testing.T) {
	tbl := NewTable(nil)
	spec, err := tbl.Resolve("python")
	if err != nil {
		t.Fatal(err)
	}
	args := spec.Args("/tmp/work/main.py")
	if len(args) != 1 || args[0] != "/tmp/work/main.py" {
		t.Errorf("Args = %v, want [/tmp/work/main.py]", args)
	}
}

func TestNamesRespectsEnabled(t *testing.T) {
	tbl := NewTable([]string{"python", "bash"})
	names := tbl.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
	for _, name := range names {
		if name != "python" && name != "bash" {
			t.Errorf("Names() contains unexpected %q", name)
		}
	}
}
