package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"healthwatch/internal/domain"
)

func writeConfigFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

const baseConfigBody = `
[service]
name = "healthwatch-test"

[notify]
mode = "mock"

[notify.channel.ops-telegram]
type = "telegram"
primary = true

[target.checkout-api]
name = "Checkout API"
service = "checkout"

[target.checkout-api.thresholds]
error_rate_warn = 5.0
error_rate_crit = 10.0
latency_p95_warn = 800.0
latency_p95_crit = 1500.0

[rule.high-error-rate]
name = "High error rate"
type = "threshold"
scope = "global"
priority = "P1"
metric = "errorRate"
operator = ">"
threshold = 10.0
aggregation = "avg"
window_minutes = 5
min_samples = 3
channels = ["ops-telegram"]
`

func TestLoadSnapshotAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "config.toml", baseConfigBody)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if cfg.Service.SweepIntervalSec != 15 || cfg.Service.DeliveryIntervalSec != 3 || cfg.Service.EscalationIntervalSec != 30 {
		t.Fatalf("unexpected tick defaults: %+v", cfg.Service)
	}
	if cfg.Service.MetricCapacity != 30000 {
		t.Fatalf("unexpected metric capacity %d", cfg.Service.MetricCapacity)
	}
	if cfg.Notify.MaxAttempts != 4 {
		t.Fatalf("unexpected max attempts %d", cfg.Notify.MaxAttempts)
	}
	if len(cfg.Notify.RetryDelaysSec) != 3 || cfg.Notify.RetryDelaysSec[0] != 15 || cfg.Notify.RetryDelaysSec[2] != 300 {
		t.Fatalf("unexpected retry delays %v", cfg.Notify.RetryDelaysSec)
	}
	if cfg.Notify.Policy.DedupWindowSec != 180 || cfg.Notify.Policy.SuppressWindowSec != 300 {
		t.Fatalf("unexpected noise windows: %+v", cfg.Notify.Policy)
	}
	if cfg.Notify.Policy.Enabled == nil || !*cfg.Notify.Policy.Enabled {
		t.Fatalf("expected noise policy enabled by default")
	}
	if cfg.State.Backend != StateBackendFile || cfg.State.FlushDebounceSec != 5 {
		t.Fatalf("unexpected state defaults: %+v", cfg.State)
	}
	if !cfg.Ingest.HTTP.Enabled {
		t.Fatalf("expected HTTP ingest enabled when no ingest is configured")
	}
	if !cfg.Log.Console.Enabled {
		t.Fatalf("expected console logging enabled by default")
	}
}

func TestLoadSnapshotKeyedTables(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "config.toml", baseConfigBody)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if len(cfg.Target) != 1 || cfg.Target[0].ID != "checkout-api" || !cfg.Target[0].Enabled {
		t.Fatalf("unexpected targets: %+v", cfg.Target)
	}
	if len(cfg.Rule) != 1 || cfg.Rule[0].ID != "high-error-rate" || cfg.Rule[0].CooldownMinutes != 5 {
		t.Fatalf("unexpected rules: %+v", cfg.Rule)
	}
	if len(cfg.Notify.Channel) != 1 || cfg.Notify.Channel[0].ID != "ops-telegram" || !cfg.Notify.Channel[0].Primary {
		t.Fatalf("unexpected channels: %+v", cfg.Notify.Channel)
	}

	rule := cfg.Rule[0].DomainRule()
	if rule.Type != domain.RuleThreshold || rule.Priority != domain.PriorityP1 {
		t.Fatalf("unexpected domain rule: %+v", rule)
	}
	if len(rule.Actions) != 1 || rule.Actions[0] != "ops-telegram" {
		t.Fatalf("unexpected rule actions: %v", rule.Actions)
	}
	target := cfg.Target[0].DomainTarget()
	if target.Health != domain.HealthUnknown || target.Thresholds.ErrorRateCrit != 10 {
		t.Fatalf("unexpected domain target: %+v", target)
	}
}

func TestLoadSnapshotRejectsIDInTableBody(t *testing.T) {
	t.Parallel()

	body := strings.Replace(baseConfigBody, "[rule.high-error-rate]\n", "[rule.high-error-rate]\nid = \"other\"\n", 1)
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	if _, err := LoadSnapshot(ConfigSource{File: path}); err == nil || !strings.Contains(err.Error(), "rule.high-error-rate.id is not supported") {
		t.Fatalf("expected keyed-table id rejection, got %v", err)
	}
}

func TestLoadSnapshotValidatesReferences(t *testing.T) {
	t.Parallel()

	body := baseConfigBody + `
[rule.scoped]
name = "Scoped"
type = "missing_data"
scope = "target"
target_id = "unknown-target"
priority = "P2"
window_minutes = 5
`
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	if _, err := LoadSnapshot(ConfigSource{File: path}); err == nil || !strings.Contains(err.Error(), "unknown target") {
		t.Fatalf("expected unknown target rejection, got %v", err)
	}
}

func TestLoadSnapshotRejectsUnknownChannelType(t *testing.T) {
	t.Parallel()

	body := strings.Replace(baseConfigBody, `type = "telegram"`, `type = "pager"`, 1)
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	if _, err := LoadSnapshot(ConfigSource{File: path}); err == nil || !strings.Contains(err.Error(), "unsupported type") {
		t.Fatalf("expected channel type rejection, got %v", err)
	}
}

func TestLiveModeRequiresTransportFields(t *testing.T) {
	t.Parallel()

	body := strings.Replace(baseConfigBody, `mode = "mock"`, `mode = "live"`, 1)
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	if _, err := LoadSnapshot(ConfigSource{File: path}); err == nil || !strings.Contains(err.Error(), "bot_token") {
		t.Fatalf("expected live-mode transport validation, got %v", err)
	}
}

func TestLoadSnapshotSortsEscalationLevels(t *testing.T) {
	t.Parallel()

	body := baseConfigBody + `
[[notify.escalation]]
level = 2
after_minutes = 30
channels = ["ops-telegram"]

[[notify.escalation]]
level = 1
after_minutes = 10
repeat_minutes = 15
channels = ["ops-telegram"]
`
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(cfg.Notify.Escalation) != 2 {
		t.Fatalf("expected 2 escalation levels, got %d", len(cfg.Notify.Escalation))
	}
	if cfg.Notify.Escalation[0].AfterMinutes != 10 || cfg.Notify.Escalation[1].AfterMinutes != 30 {
		t.Fatalf("expected levels sorted by after_minutes: %+v", cfg.Notify.Escalation)
	}
}

func TestLoadSnapshotMergesDirectoryFragments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, dir, "00-service.toml", `
[service]
name = "healthwatch-dir"
sweep_interval_sec = 20

[notify]
mode = "mock"

[notify.channel.ops-telegram]
type = "telegram"
`)
	writeConfigFile(t, dir, "10-targets.toml", `
[target.checkout-api]
name = "Checkout API"
service = "checkout"
`)
	writeConfigFile(t, dir, "20-rules.toml", `
[rule.missing-data]
name = "No samples"
type = "missing_data"
scope = "global"
priority = "P3"
window_minutes = 10
channels = ["ops-telegram"]
`)

	cfg, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("load dir snapshot: %v", err)
	}
	if cfg.Service.Name != "healthwatch-dir" || cfg.Service.SweepIntervalSec != 20 {
		t.Fatalf("unexpected merged service: %+v", cfg.Service)
	}
	if len(cfg.Target) != 1 || len(cfg.Rule) != 1 || len(cfg.Notify.Channel) != 1 {
		t.Fatalf("unexpected merged cardinality: %d targets %d rules %d channels", len(cfg.Target), len(cfg.Rule), len(cfg.Notify.Channel))
	}
}

func TestFromCLIRequiresExactlyOneSource(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error for empty source")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error for both sources")
	}
	src, err := FromCLI(" config.toml ", "")
	if err != nil || src.File != "config.toml" {
		t.Fatalf("unexpected file source: %+v err=%v", src, err)
	}
}

func TestInvalidTemplateRejected(t *testing.T) {
	t.Parallel()

	body := strings.Replace(baseConfigBody, "primary = true", "primary = true\ntemplate = \"{{ .Missing\"", 1)
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	if _, err := LoadSnapshot(ConfigSource{File: path}); err == nil || !strings.Contains(err.Error(), "template") {
		t.Fatalf("expected template parse rejection, got %v", err)
	}
}

func TestChannelDeliveryModeDefaultsToGlobal(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, t.TempDir(), "config.toml", baseConfigBody)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if cfg.Notify.Channel[0].DeliveryMode != DeliveryModeMock {
		t.Fatalf("expected channel to inherit global mode, got %q", cfg.Notify.Channel[0].DeliveryMode)
	}
}

func TestChannelDeliveryModeOverridesGlobal(t *testing.T) {
	t.Parallel()

	// A mock channel in a live process needs no transport fields, while the
	// live channel next to it is still validated.
	body := strings.Replace(baseConfigBody, `mode = "mock"`, `mode = "live"`, 1)
	body = strings.Replace(body, "type = \"telegram\"\nprimary = true", "type = \"telegram\"\nprimary = true\ndelivery_mode = \"mock\"", 1)
	body += `
[notify.channel.ops-webhook]
type = "webhook"
url = "https://hooks.example.com/healthwatch"
`
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(cfg.Notify.Channel) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(cfg.Notify.Channel))
	}
	if cfg.Notify.Channel[0].ID != "ops-telegram" || cfg.Notify.Channel[0].DeliveryMode != DeliveryModeMock {
		t.Fatalf("unexpected override channel: %+v", cfg.Notify.Channel[0])
	}
	if cfg.Notify.Channel[1].ID != "ops-webhook" || cfg.Notify.Channel[1].DeliveryMode != DeliveryModeLive {
		t.Fatalf("unexpected inherited channel: %+v", cfg.Notify.Channel[1])
	}
}

func TestChannelDeliveryModeLiveOverrideStillValidated(t *testing.T) {
	t.Parallel()

	// delivery_mode = "live" on a channel demands transport fields even when
	// the process-wide mode is mock.
	body := strings.Replace(baseConfigBody, "type = \"telegram\"\nprimary = true", "type = \"telegram\"\nprimary = true\ndelivery_mode = \"live\"", 1)
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	if _, err := LoadSnapshot(ConfigSource{File: path}); err == nil || !strings.Contains(err.Error(), "bot_token") {
		t.Fatalf("expected transport validation for live channel, got %v", err)
	}
}

func TestChannelDeliveryModeRejectsUnknownValue(t *testing.T) {
	t.Parallel()

	body := strings.Replace(baseConfigBody, "type = \"telegram\"\nprimary = true", "type = \"telegram\"\nprimary = true\ndelivery_mode = \"dry-run\"", 1)
	path := writeConfigFile(t, t.TempDir(), "config.toml", body)
	if _, err := LoadSnapshot(ConfigSource{File: path}); err == nil || !strings.Contains(err.Error(), "delivery_mode") {
		t.Fatalf("expected delivery_mode rejection, got %v", err)
	}
}
