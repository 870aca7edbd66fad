package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crewline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "acme" {
		t.Fatalf("unexpected project id %q", cfg.Project.ID)
	}
	if !cfg.CanCreate(domain.RoleTeamLead) || cfg.CanCreate(domain.RoleEmployee) {
		t.Fatalf("unexpected create roles %v", cfg.RBAC.CreateRoles)
	}
	if cfg.Engine.CASRetries != 5 || !cfg.Notifications.LogEnabled() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing project":  "rbac:\n  create_roles: [admin]\n",
		"unknown role":     "project:\n  id: p\nrbac:\n  create_roles: [intern]\n",
		"bad webhook":      "project:\n  id: p\nrbac:\n  create_roles: [admin]\nnotifications:\n  webhooks:\n    - url: ftp://x\n",
		"nats without url": "project:\n  id: p\nrbac:\n  create_roles: [admin]\nnotifications:\n  nats:\n    subject_prefix: x\n",
		"misspelled kind":  "project:\n  id: p\nrbac:\n  create_roles: [admin]\nnotifications:\n  webhooks:\n    - url: http://hooks.local\n      events: [work_item.create]\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil got %v,%v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("acme")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "acme" {
		t.Fatalf("unexpected project %q", cfg.Project.ID)
	}
}

func TestWebhookEventsAcceptKnownKinds(t *testing.T) {
	raw := "project:\n  id: p\nrbac:\n  create_roles: [admin]\nnotifications:\n  webhooks:\n" +
		"    - url: https://hooks.local/crew\n      events: [work_item.created, assignment.status_changed]\n"
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("known kinds rejected: %v", err)
	}
	if got := cfg.Notifications.Webhooks[0].Events; len(got) != 2 {
		t.Fatalf("unexpected events %v", got)
	}
	_, err = FromYAML([]byte(strings.Replace(raw, "assignment.status_changed", "assignment.approved", 1)))
	if err == nil || !strings.Contains(err.Error(), `unknown kind "assignment.approved"`) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestWebhookEnabled(t *testing.T) {
	off := false
	if (WebhookConfig{URL: "http://x", Enabled: &off}).IsEnabled() {
		t.Fatal("disabled hook reported enabled")
	}
	if !(WebhookConfig{URL: "http://x"}).IsEnabled() {
		t.Fatal("hook without flag should be enabled")
	}
}
