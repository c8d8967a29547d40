package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/smazurov/observer/internal/redisconn"
	"github.com/smazurov/observer/internal/scripts"
)

func writeScripts(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestScriptsCommandTable(t *testing.T) {
	dir := writeScripts(t, map[string]string{
		"setget.lua": "redis.call('SET', KEYS[1], ARGV[1]) return redis.call('GET', KEYS[1])",
		"ping.lua":   "return 1",
		"notes.txt":  "ignored",
	})

	var out bytes.Buffer
	c := CreateScriptsCmd()
	c.SetOut(&out)
	c.SetArgs([]string{"--dir", dir})
	if err := c.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header and 2 rows, got %q", out.String())
	}
	if !strings.HasPrefix(lines[1], "ping") || !strings.Contains(lines[1], scripts.Digest("return 1")) {
		t.Errorf("Unexpected first row %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "setget") {
		t.Errorf("Unexpected second row %q", lines[2])
	}
}

func TestScriptsCommandJSON(t *testing.T) {
	dir := writeScripts(t, map[string]string{"ping.lua": "return 1"})

	var out bytes.Buffer
	if err := listScripts(&out, dir, true); err != nil {
		t.Fatalf("listScripts failed: %v", err)
	}

	var regs []map[string]string
	if err := json.Unmarshal(out.Bytes(), &regs); err != nil {
		t.Fatalf("Invalid JSON %q: %v", out.String(), err)
	}
	if len(regs) != 1 || regs[0]["name"] != "ping" || regs[0]["digest"] != scripts.Digest("return 1") {
		t.Errorf("Unexpected output %v", regs)
	}
}

func TestScriptsCommandSyntaxError(t *testing.T) {
	dir := writeScripts(t, map[string]string{"broken.lua": "return ("})

	if err := listScripts(&bytes.Buffer{}, dir, false); err == nil {
		t.Error("Expected syntax error")
	}
}

func TestPublish(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, "my:channel")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var out bytes.Buffer
	cfg := redisconn.Config{Endpoint: "redis://" + srv.Addr()}
	if err := publish(ctx, &out, cfg, "my:channel", `{"user":"ada"}`); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-ps.Channel():
		if msg.Payload != `{"user":"ada"}` {
			t.Errorf("Unexpected payload %q", msg.Payload)
		}
	case <-ctx.Done():
		t.Fatal("Timeout waiting for message")
	}

	if !strings.Contains(out.String(), "my:channel") {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestPublishRejectsInvalidJSON(t *testing.T) {
	err := publish(context.Background(), &bytes.Buffer{}, redisconn.Config{}, "my:channel", "{not json")
	if err == nil || !strings.Contains(err.Error(), "JSON") {
		t.Errorf("Expected JSON error, got %v", err)
	}
}
