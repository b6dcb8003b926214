package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"restock_monitor/internal/fault"
	"restock_monitor/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("RM_TEST_PASSWORD=hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "config.yaml")
	body := `
browser:
  enabled: true
selectors:
  cta.buy:
    - css: "#buy"
tasks:
  - name: Labubu
    url: https://shop.test/products/1
    variant: Whole Set
    email: me@example.com
    password: ${RM_TEST_PASSWORD}
    retry:
      maxAttempts: 5
  - url: https://shop.test/products/2
    mode: monitor
`
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("RM_TEST_PASSWORD") })

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.CheckInterval() != 60*time.Second {
		t.Errorf("check interval got %s, expected 60s", cfg.Monitor.CheckInterval())
	}
	if got := strings.Join(cfg.Fetch.Channels, ","); got != "tls,browser,plain" {
		t.Errorf("channels got %q", got)
	}
	if got := cfg.Selectors.Get(SelBuy); len(got) != 1 || got[0].CSS != "#buy" {
		t.Errorf("user selector should replace default, got %+v", got)
	}
	if len(cfg.Selectors.Get(SelCartAdded)) == 0 {
		t.Error("default selectors missing")
	}
	if len(cfg.Markers.Unavailable) == 0 {
		t.Error("default markers missing")
	}

	tasks := cfg.BuildTasks()
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, expected 2", len(tasks))
	}
	first := tasks[0]
	if first.Mode != model.TaskModePurchase || first.Quantity != 1 {
		t.Errorf("unexpected defaults: mode=%s qty=%d", first.Mode, first.Quantity)
	}
	if first.Credentials == nil || first.Credentials.Password != "hunter2" {
		t.Errorf("password should be expanded from .env, got %+v", first.Credentials)
	}
	if first.Retry.MaxAttempts != 5 || first.Retry.BackoffFactor != 2 {
		t.Errorf("retry override not merged: %+v", first.Retry)
	}
	if first.ID != model.TaskID(first.URL, first.Variant) {
		t.Errorf("id got %q", first.ID)
	}
	if tasks[1].Mode != model.TaskModeMonitor {
		t.Errorf("mode got %q, expected monitor", tasks[1].Mode)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no tasks", "monitor: {}\n", "at least one task"},
		{"missing url", "browser: {enabled: true}\ntasks:\n  - name: x\n", "tasks[0].url is required"},
		{"bad scheme", "browser: {enabled: true}\ntasks:\n  - url: ftp://x\n", "must be http(s)"},
		{"purchase without browser", "tasks:\n  - url: https://x.test/p\n", "purchase mode requires browser.enabled"},
		{"bad mode", "browser: {enabled: true}\ntasks:\n  - url: https://x.test/p\n    mode: snipe\n", "unknown mode"},
		{"half credentials", "browser: {enabled: true}\ntasks:\n  - url: https://x.test/p\n    email: a@b.c\n", "email and password"},
		{"duplicate", "browser: {enabled: true}\ntasks:\n  - url: https://x.test/p\n  - url: https://x.test/p\n", "duplicates"},
		{"bad channel", "fetch: {channels: [carrier-pigeon]}\ntasks:\n  - url: https://x.test/p\n    mode: monitor\n", "unknown channel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if fault.KindOf(err) != fault.KindConfiguration {
				t.Errorf("kind got %q, expected configuration", fault.KindOf(err))
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %q, expected it to contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestSessionRebuilds(t *testing.T) {
	cases := []struct {
		name    string
		monitor string
		want    int
	}{
		{"omitted", "monitor: {}\n", 3},
		{"zero disables rebuilds", "monitor: {maxSessionRebuilds: 0}\n", 0},
		{"explicit", "monitor: {maxSessionRebuilds: 5}\n", 5},
		{"negative", "monitor: {maxSessionRebuilds: -1}\n", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := tc.monitor + "tasks:\n  - url: https://x.test/p\n    mode: monitor\n"
			cfg, err := Load(writeConfig(t, body))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got := cfg.Monitor.SessionRebuilds(); got != tc.want {
				t.Errorf("got %d, expected %d", got, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if fault.KindOf(err) != fault.KindConfiguration {
		t.Fatalf("got %v, expected configuration error", err)
	}
}
