package config

import (
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Nested  struct {
		PPS int `yaml:"pps"`
	} `yaml:"nested"`
}

func TestWriteLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "agent.yaml")
	in := sample{Name: "a", Timeout: 90 * time.Second}
	in.Nested.PPS = 7
	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ok, err := Exists(path)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	var out sample
	if err := Load(path, &out); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out != in {
		t.Fatalf("loaded %+v, want %+v", out, in)
	}
}

func TestDecodeStrict(t *testing.T) {
	var out sample
	if err := Decode([]byte("name: a\ntimout: 5s\n"), &out); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if err := Decode([]byte("timeout: 1m30s\n"), &out); err != nil || out.Timeout != 90*time.Second {
		t.Fatalf("Decode = %+v, %v", out, err)
	}
	if err := Decode(nil, &out); err != nil {
		t.Fatalf("empty document: %v", err)
	}
	if err := Load("", &out); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if ok, _ := Exists(""); ok {
		t.Fatalf("empty path exists")
	}
}
