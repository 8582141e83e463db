package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version != "1.0" {
		t.Errorf("expected version 1.0, got %s", Version)
	}
}

func TestDefaultImage(t *testing.T) {
	img := DefaultImage()

	if img == nil {
		t.Fatal("DefaultImage returned nil")
	}
	if img.Version != Version {
		t.Errorf("expected version %s, got %s", Version, img.Version)
	}
	if img.RAM.Size == 0 {
		t.Error("RAM window empty")
	}
	if len(img.DomainSchedule) == 0 {
		t.Error("no domain schedule")
	}
	if len(img.Threads) < 2 {
		t.Error("default image should carry a client and a server")
	}
	if err := img.Validate(); err != nil {
		t.Errorf("default image does not validate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "l4kern-config-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	img := DefaultImage()
	path := filepath.Join(tmpDir, "image.json")
	if err := img.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	back, err := LoadImage(path)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if back.Name != img.Name || back.WCETTicks != img.WCETTicks {
		t.Error("round trip lost scalar fields")
	}
	if len(back.Threads) != len(img.Threads) {
		t.Errorf("threads = %d, want %d", len(back.Threads), len(img.Threads))
	}
	if back.Threads[0].Partitions[0] != img.Threads[0].Partitions[0] {
		t.Error("round trip lost partition data")
	}
}

func TestLoadImageMissing(t *testing.T) {
	if _, err := LoadImage("/nonexistent/image.json"); err == nil {
		t.Error("loading a missing image should fail")
	}
}

func TestLoadImageInvalidJSON(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "l4kern-config-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "bad.json")
	if err := os.WriteFile(path, []byte("{nope"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := LoadImage(path); err == nil {
		t.Error("loading invalid JSON should fail")
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Image)
	}{
		{"zero ram", func(i *Image) { i.RAM.Size = 0 }},
		{"zero arena", func(i *Image) { i.Arena.Size = 0 }},
		{"zero wcet", func(i *Image) { i.WCETTicks = 0 }},
		{"no domains", func(i *Image) { i.NumDomains = 0 }},
		{"empty schedule", func(i *Image) { i.DomainSchedule = nil }},
		{"schedule names bad domain", func(i *Image) { i.DomainSchedule[0].Domain = 9 }},
		{"zero slot length", func(i *Image) { i.DomainSchedule[0].Length = 0 }},
		{"reserved thread number", func(i *Image) { i.Threads[0].ThreadNo = 5 }},
		{"duplicate thread number", func(i *Image) { i.Threads[1].ThreadNo = i.Threads[0].ThreadNo }},
		{"thread in bad domain", func(i *Image) { i.Threads[0].Domain = 7 }},
		{"zero budget", func(i *Image) { i.Threads[0].Budget = 0 }},
		{"budget below minimum", func(i *Image) { i.Threads[0].Budget = 1 }},
		{"budget beyond period", func(i *Image) { i.Threads[0].Budget = i.Threads[0].Period + 1 }},
		{"bad rights string", func(i *Image) { i.Threads[0].Partitions[0].Rights = "rq-" }},
		{"irq out of range", func(i *Image) { i.IRQs[0].Number = 1000 }},
		{"irq to unknown thread", func(i *Image) { i.IRQs[0].ThreadNo = 999 }},
		{"irq bad action", func(i *Image) { i.IRQs[0].Action = "explode" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := DefaultImage()
			tt.mutate(img)
			if err := img.Validate(); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestParseRights(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"rwx", 0x7, false},
		{"rw-", 0x6, false},
		{"r--", 0x4, false},
		{"---", 0x0, false},
		{"", 0x0, false},
		{"rq-", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRights(tt.in)
		if tt.wantErr != (err != nil) {
			t.Errorf("ParseRights(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseRights(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestFormatRights(t *testing.T) {
	for _, s := range []string{"rwx", "rw-", "r-x", "---"} {
		r, err := ParseRights(s)
		if err != nil {
			t.Fatalf("ParseRights(%q) failed: %v", s, err)
		}
		if got := FormatRights(r); got != s {
			t.Errorf("FormatRights(ParseRights(%q)) = %q", s, got)
		}
	}
}
