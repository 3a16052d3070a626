package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHelpExitsZero(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help should succeed: %v, out=%s", err, out.String())
	}
	if !strings.Contains(out.String(), "runbroker") {
		t.Fatalf("unexpected help output: %s", out.String())
	}
}

func TestBuildRootWiring(t *testing.T) {
	root := buildRoot()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{
		"info", "documents", "partitions", "history",
		"shift-root", "correct-root", "move-files", "serve",
	} {
		if !names[want] {
			t.Fatalf("missing subcommand %q", want)
		}
	}
}

func TestInfoRequiresRunFlag(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"info"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected required-flag error")
	}
}

func TestServeRequiresConfig(t *testing.T) {
	if err := runServeCommand(&ServeFlags{}); err == nil {
		t.Fatal("expected error without config path")
	}
}
