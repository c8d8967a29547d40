package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/observer/internal/relay"
)

// DefaultChannelsFile is the channel mapping file read at startup.
const DefaultChannelsFile = "channels.toml"

// ChannelsFile is the on-disk layout of the channel mapping file:
//
//	[[channel]]
//	source = "my:channel"
//	target = "my.activity"
type ChannelsFile struct {
	Channels []relay.Mapping `toml:"channel"`
}

// LoadChannels reads the mapping file. A missing file yields no mappings.
// When a source appears more than once the last target wins, keeping the
// position of the first occurrence.
func LoadChannels(path string) ([]relay.Mapping, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read channels file: %w", err)
	}

	var file ChannelsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse channels file: %w", err)
	}

	index := make(map[string]int, len(file.Channels))
	out := make([]relay.Mapping, 0, len(file.Channels))
	for i, ch := range file.Channels {
		if ch.Source == "" || ch.Target == "" {
			return nil, fmt.Errorf("channel %d: %w: source and target are required", i, relay.ErrInvalidMapping)
		}
		if pos, seen := index[ch.Source]; seen {
			out[pos].Target = ch.Target
			continue
		}
		index[ch.Source] = len(out)
		out = append(out, ch)
	}
	return out, nil
}
