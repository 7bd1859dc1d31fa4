package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionSkipsConfig(t *testing.T) {
	// Без PS_* переменных config.Load вернул бы ошибку
	t.Setenv("PS_DB_HOST", "")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "practice-store ") {
		t.Errorf("вывод = %q", out.String())
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"archive", "run"},
		{"archive", "runs"},
		{"quota", "reconcile"},
		{"entitlements", "load"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("команда %v не найдена: %v", path, err)
		}
	}
}

func TestServeRequiresConfig(t *testing.T) {
	t.Setenv("PS_DB_HOST", "")
	t.Setenv("PS_JWKS_URL", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--env-file", t.TempDir() + "/absent.env"})

	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "конфигурации") {
		t.Errorf("ожидали ошибку конфигурации, получили %v", err)
	}
}
