package types

import (
	"strings"
	"testing"
)

func TestNewEntryName(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "simple", raw: "document.txt"},
		{name: "spaces and parens", raw: "report (2).txt"},
		{name: "max length", raw: strings.Repeat("a", EntryNameMaxLen)},
		{name: "too long", raw: strings.Repeat("a", EntryNameMaxLen+1), wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "dot", raw: ".", wantErr: true},
		{name: "dotdot", raw: "..", wantErr: true},
		{name: "slash", raw: "a/b", wantErr: true},
		{name: "null byte", raw: "a\x00b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEntryName(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEntryName(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestBaseAndExtension(t *testing.T) {
	tests := []struct {
		raw      string
		wantBase string
		wantExt  string
	}{
		{raw: "document.txt", wantBase: "document", wantExt: "txt"},
		{raw: "archive.tar.gz", wantBase: "archive.tar", wantExt: "gz"},
		{raw: "noext", wantBase: "noext", wantExt: ""},
		{raw: ".hidden", wantBase: ".hidden", wantExt: ""},
		{raw: ".hidden.swp", wantBase: ".hidden", wantExt: "swp"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			name, err := NewEntryName(tt.raw)
			if err != nil {
				t.Fatalf("NewEntryName(%q) error = %v", tt.raw, err)
			}
			base, ext := name.BaseAndExtension()
			if base != tt.wantBase || ext != tt.wantExt {
				t.Errorf("BaseAndExtension() = (%q, %q), want (%q, %q)", base, ext, tt.wantBase, tt.wantExt)
			}
		})
	}
}
