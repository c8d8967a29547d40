package scripts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/gopher-lua/parse"
)

// Extension is the file extension recognized as a script file.
const Extension = ".lua"

// LoadDir registers every *.lua file found directly inside dir. The script
// name is the file name without its extension. Files are registered in
// lexical order so that batching against Redis is deterministic.
func LoadDir(cache *Cache, dir string) ([]Registration, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scripts directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scripts directory %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	registered := make([]Registration, 0, len(names))
	for _, filename := range names {
		path := filepath.Join(dir, filename)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return registered, fmt.Errorf("read script %s: %w", filename, readErr)
		}

		content := string(data)
		if checkErr := CheckSyntax(filename, content); checkErr != nil {
			return registered, checkErr
		}

		reg, regErr := cache.Register(strings.TrimSuffix(filename, Extension), content)
		if regErr != nil {
			return registered, regErr
		}
		registered = append(registered, reg)
	}

	return registered, nil
}

// CheckSyntax parses content as a Lua chunk without executing it.
func CheckSyntax(name, content string) error {
	if _, err := parse.Parse(strings.NewReader(content), name); err != nil {
		return fmt.Errorf("script %s: invalid lua: %w", name, err)
	}
	return nil
}
