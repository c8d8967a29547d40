package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/smazurov/observer/internal/relay"
)

func TestLoadChannels(t *testing.T) {
	path := writeFile(t, "channels.toml", `
[[channel]]
source = "my:channel"
target = "my.activity"

[[channel]]
source = "orders:created"
target = "orders.created"

[[channel]]
source = "my:channel"
target = "my.retargeted"
`)

	got, err := LoadChannels(path)
	if err != nil {
		t.Fatalf("LoadChannels failed: %v", err)
	}

	want := []relay.Mapping{
		{Source: "my:channel", Target: "my.retargeted"},
		{Source: "orders:created", Target: "orders.created"},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d mappings, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestLoadChannelsMissingFile(t *testing.T) {
	got, err := LoadChannels(filepath.Join(t.TempDir(), "channels.toml"))
	if err != nil {
		t.Fatalf("Missing file should not be an error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no mappings, got %v", got)
	}
}

func TestLoadChannelsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing target", "[[channel]]\nsource = \"a\"\n"},
		{"missing source", "[[channel]]\ntarget = \"a\"\n"},
		{"bad toml", "[[channel]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadChannels(writeFile(t, "channels.toml", tt.content))
			if err == nil {
				t.Fatal("Expected error")
			}
			if tt.name != "bad toml" && !errors.Is(err, relay.ErrInvalidMapping) {
				t.Errorf("Expected ErrInvalidMapping, got %v", err)
			}
		})
	}
}
