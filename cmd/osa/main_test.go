package main

import (
	"testing"

	"github.com/osa-agent/osa/internal/config"
)

func TestRootCmdHasCoreSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "chat": false, "classify": false, "version": false}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q missing", name)
		}
	}
}

func TestBuildProviderSkipsUnconfigured(t *testing.T) {
	cfg := config.Default()
	if p := buildProvider("anthropic", config.ProviderConfig{}, true, cfg); p != nil {
		t.Error("anthropic without api key should be skipped")
	}
	if p := buildProvider("local", config.ProviderConfig{}, false, cfg); p != nil {
		t.Error("local without base url should be skipped")
	}
	if p := buildProvider("mystery", config.ProviderConfig{APIKey: "k"}, true, cfg); p != nil {
		t.Error("unknown provider name should be skipped")
	}
	if p := buildProvider("anthropic", config.ProviderConfig{APIKey: "k"}, true, cfg); p == nil {
		t.Error("anthropic with api key should build")
	}
}

func TestBuildTaskStoreRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.TaskStore.Driver = "cassandra"
	if _, err := buildTaskStore(cfg); err == nil {
		t.Fatal("unknown driver accepted")
	}
	cfg.TaskStore.Driver = "memory"
	store, err := buildTaskStore(cfg)
	if err != nil || store != nil {
		t.Fatalf("memory driver: store=%v err=%v, want nil,nil", store, err)
	}
}
