package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/relaylink/internal/protocol/session"
	"github.com/danmuck/relaylink/internal/testutil/testlog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIdentityCommands(t *testing.T) {
	testlog.Start(t)
	state := filepath.Join(t.TempDir(), "identity.toml")

	out, err := execute(t, "identity", "show", "--state", state)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "(none)") {
		t.Fatalf("expected empty identity, got %q", out)
	}

	out, err = execute(t, "identity", "set", "abcdefghijklmnopqrstuvwxyz012345", "--state", state)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if strings.TrimSpace(out) != "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345" {
		t.Fatalf("unexpected set output %q", out)
	}
	if _, err := execute(t, "identity", "set", "nope", "--state", state); err == nil {
		t.Fatalf("expected malformed identity error")
	}

	out, err = execute(t, "identity", "new", "--state", state)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if id := strings.TrimSpace(out); !session.ValidIdentityFormat(id) {
		t.Fatalf("generated identity %q malformed", id)
	}

	out, err = execute(t, "identity", "show", "--state", state)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "reconnect: true") {
		t.Fatalf("expected reconnect flag, got %q", out)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	linkPath := filepath.Join(dir, "link.toml")
	relayPath := filepath.Join(dir, "relay.toml")

	if _, err := execute(t, "config", "init", linkPath); err != nil {
		t.Fatalf("init link: %v", err)
	}
	if _, err := execute(t, "config", "init", relayPath, "--kind", "relay"); err != nil {
		t.Fatalf("init relay: %v", err)
	}
	if _, err := execute(t, "config", "init", linkPath); err == nil {
		t.Fatalf("expected existing file error")
	}
	if out, err := execute(t, "-c", linkPath, "config", "validate"); err != nil || !strings.Contains(out, "validated link") {
		t.Fatalf("validate link out=%q err=%v", out, err)
	}
	if _, err := execute(t, "config", "validate", relayPath, "--kind", "relay"); err != nil {
		t.Fatalf("validate relay: %v", err)
	}
	if _, err := execute(t, "config", "validate", relayPath); err == nil {
		t.Fatalf("relay file should not validate as a link config")
	}
}
