package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"healthwatch/internal/domain"
	"healthwatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultIngestPath        = "/ingest"
	defaultBatchPath         = "/ingest/batch"
	defaultNATSSubject       = "healthwatch.samples"
	defaultNATSStream        = "HEALTHWATCH_SAMPLES"
	defaultNATSConsumer      = "healthwatch-ingest"
	defaultNATSGroup         = "healthwatch-workers"
	defaultNATSWorkers       = 1
	defaultNATSAckWaitSec    = 30
	defaultNATSNackDelayMS   = 1000
	defaultNATSMaxDeliver    = -1
	defaultNATSMaxAckPending = 2048
	defaultNATSURL           = "nats://127.0.0.1:4222"

	defaultSweepIntervalSec      = 15
	defaultDeliveryIntervalSec   = 3
	defaultEscalationIntervalSec = 30
	defaultDeliveryBatchSize     = 25
	defaultMetricCapacity        = 30000

	defaultStatePath          = "healthwatch-state.json"
	defaultFlushDebounceSec   = 5
	defaultMaxAttempts        = 4
	defaultDedupWindowSec     = 180
	defaultSuppressWindowSec  = 300
	defaultFlapWindowMinutes  = 30
	defaultFlapThreshold      = 4
	defaultAutoSilenceMinutes = 60
	defaultCooldownMinutes    = 5

	// StateBackendFile persists snapshots to one JSON file.
	StateBackendFile = "file"
	// StateBackendMemory keeps state in process only.
	StateBackendMemory = "memory"

	// DeliveryModeLive sends through real channel transports.
	DeliveryModeLive = "live"
	// DeliveryModeMock simulates sends without network calls.
	DeliveryModeMock = "mock"

	// ChannelTelegram identifies Telegram transport.
	ChannelTelegram = "telegram"
	// ChannelWebhook identifies generic HTTP webhook transport.
	ChannelWebhook = "webhook"
	// ChannelMattermost identifies Mattermost transport.
	ChannelMattermost = "mattermost"
)

// defaultRetryDelaysSec spaces delivery retries after each failed attempt.
var defaultRetryDelaysSec = []int{15, 60, 300}

// supportedChannelTypes lists recognized channel transports.
var supportedChannelTypes = map[string]struct{}{
	ChannelTelegram:   {},
	ChannelWebhook:    {},
	ChannelMattermost: {},
}

// Config holds service runtime settings, targets, and alert rules.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig  `toml:"service"`
	Log     LogConfig      `toml:"log"`
	Ingest  IngestConfig   `toml:"ingest"`
	State   StateConfig    `toml:"state"`
	Notify  NotifyConfig   `toml:"notify"`
	Target  []TargetConfig `toml:"target"`
	Rule    []RuleConfig   `toml:"rule"`
}

// rawConfig mirrors the TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw target/rule maps keyed by id.
type rawConfig struct {
	Service ServiceConfig              `toml:"service"`
	Log     LogConfig                  `toml:"log"`
	Ingest  IngestConfig               `toml:"ingest"`
	State   StateConfig                `toml:"state"`
	Notify  rawNotifyConfig            `toml:"notify"`
	Target  map[string]rawTargetConfig `toml:"target"`
	Rule    map[string]rawRuleConfig   `toml:"rule"`
}

// rawNotifyConfig mirrors the notify section with channels keyed by id.
// Params: decoded notify section from one TOML source.
// Returns: raw channel map keyed by channel id.
type rawNotifyConfig struct {
	Mode            string                      `toml:"mode"`
	MockFailureRate float64                     `toml:"mock_failure_rate"`
	MaxAttempts     int                         `toml:"max_attempts"`
	RetryDelaysSec  []int                       `toml:"retry_delays_sec"`
	Policy          NoisePolicyConfig           `toml:"policy"`
	Escalation      []EscalationLevelConfig     `toml:"escalation"`
	Channel         map[string]rawChannelConfig `toml:"channel"`
}

// rawTargetConfig stores one target body from a `[target.<id>]` table.
// Params: target fields except the key-derived id.
// Returns: intermediate target body used for normalization.
type rawTargetConfig struct {
	ID         string           `toml:"id"`
	Name       string           `toml:"name"`
	Service    string           `toml:"service"`
	Enabled    *bool            `toml:"enabled"`
	Baseline   BaselineConfig   `toml:"baseline"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
}

// rawRuleConfig stores one rule body from a `[rule.<id>]` table.
// Params: rule fields except the key-derived id.
// Returns: intermediate rule body used for normalization.
type rawRuleConfig struct {
	ID                 string            `toml:"id"`
	Name               string            `toml:"name"`
	Type               string            `toml:"type"`
	Enabled            *bool             `toml:"enabled"`
	Scope              string            `toml:"scope"`
	Service            string            `toml:"service"`
	TargetID           string            `toml:"target_id"`
	Priority           string            `toml:"priority"`
	Metric             string            `toml:"metric"`
	Operator           string            `toml:"operator"`
	Threshold          float64           `toml:"threshold"`
	Aggregation        string            `toml:"aggregation"`
	WindowMinutes      int               `toml:"window_minutes"`
	MinSamples         int               `toml:"min_samples"`
	CooldownMinutes    int               `toml:"cooldown_minutes"`
	Channels           []string          `toml:"channels"`
	ConditionLogic     string            `toml:"condition_logic"`
	Condition          []ConditionConfig `toml:"condition"`
	FailureCount       int               `toml:"failure_count"`
	ShortWindowMinutes int               `toml:"short_window_minutes"`
	LongWindowMinutes  int               `toml:"long_window_minutes"`
	SLOTarget          float64           `toml:"slo_target"`
	BurnRateThreshold  float64           `toml:"burn_rate_threshold"`
}

// rawChannelConfig stores one channel body from a `[notify.channel.<id>]` table.
// Params: channel fields except the key-derived id.
// Returns: intermediate channel body used for normalization.
type rawChannelConfig struct {
	ID           string            `toml:"id"`
	Type         string            `toml:"type"`
	Enabled      *bool             `toml:"enabled"`
	Primary      bool              `toml:"primary"`
	DeliveryMode string            `toml:"delivery_mode"`
	BotToken     string            `toml:"bot_token"`
	ChatID       string            `toml:"chat_id"`
	APIBase      string            `toml:"api_base"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	Headers      map[string]string `toml:"headers"`
	BaseURL      string            `toml:"base_url"`
	ChannelKey   string            `toml:"channel_key"`
	TimeoutSec   int               `toml:"timeout_sec"`
	Template     string            `toml:"template"`
}

// ServiceConfig contains process-level settings.
// Params: name, tick intervals, and window capacity.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                  string `toml:"name"`
	SweepIntervalSec      int    `toml:"sweep_interval_sec"`
	DeliveryIntervalSec   int    `toml:"delivery_interval_sec"`
	EscalationIntervalSec int    `toml:"escalation_interval_sec"`
	DeliveryBatchSize     int    `toml:"delivery_batch_size"`
	MetricCapacity        int    `toml:"metric_capacity"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, path, and file rotation bounds.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// IngestConfig defines inbound metric sample interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP sample ingestion endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	BatchPath    string `toml:"batch_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// StateConfig defines the persistence backend for engine state.
// Params: backend selector, file path, and flush debounce.
// Returns: state snapshot controls.
type StateConfig struct {
	Backend          string `toml:"backend"`
	Path             string `toml:"path"`
	FlushDebounceSec int    `toml:"flush_debounce_sec"`
}

// NotifyConfig defines outbound notification behavior.
// Params: delivery mode, retry policy, noise policy, escalation, and channels.
// Returns: notification controls.
type NotifyConfig struct {
	Mode            string                  `toml:"mode"`
	MockFailureRate float64                 `toml:"mock_failure_rate"`
	MaxAttempts     int                     `toml:"max_attempts"`
	RetryDelaysSec  []int                   `toml:"retry_delays_sec"`
	Policy          NoisePolicyConfig       `toml:"policy"`
	Escalation      []EscalationLevelConfig `toml:"escalation"`
	Channel         []ChannelConfig         `toml:"channel"`
}

// NoisePolicyConfig contains noise suppression windows and flap bounds.
// Params: gate windows in seconds/minutes plus recovery/escalation toggles.
// Returns: noise controller settings.
type NoisePolicyConfig struct {
	Enabled                 *bool `toml:"enabled"`
	DedupWindowSec          int   `toml:"dedup_window_sec"`
	SuppressWindowSec       int   `toml:"suppress_window_sec"`
	FlapWindowMinutes       int   `toml:"flap_window_minutes"`
	FlapThreshold           int   `toml:"flap_threshold"`
	AutoSilenceMinutes      int   `toml:"auto_silence_minutes"`
	SendRecovery            *bool `toml:"send_recovery"`
	EscalationEnabled       *bool `toml:"escalation_enabled"`
	EscalateRequiresPrimary *bool `toml:"escalate_requires_primary"`
}

// EscalationLevelConfig defines one escalation step for unresolved alerts.
// Params: level number, age threshold, repeat cadence, and channel ids.
// Returns: escalation step sorted ascending by after_minutes.
type EscalationLevelConfig struct {
	Level         int      `toml:"level"`
	AfterMinutes  int      `toml:"after_minutes"`
	RepeatMinutes int      `toml:"repeat_minutes"`
	Channels      []string `toml:"channels"`
}

// ChannelConfig defines one outbound notification channel.
// Params: id, transport type, per-channel delivery mode, and transport settings.
// Returns: channel definition resolved by rule actions.
type ChannelConfig struct {
	ID           string            `toml:"id"`
	Type         string            `toml:"type"`
	Enabled      bool              `toml:"enabled"`
	Primary      bool              `toml:"primary"`
	DeliveryMode string            `toml:"delivery_mode"`
	BotToken     string            `toml:"bot_token"`
	ChatID       string            `toml:"chat_id"`
	APIBase      string            `toml:"api_base"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	Headers      map[string]string `toml:"headers"`
	BaseURL      string            `toml:"base_url"`
	ChannelKey   string            `toml:"channel_key"`
	TimeoutSec   int               `toml:"timeout_sec"`
	Template     string            `toml:"template"`
}

// BaselineConfig supplies per-target fallback metric values.
// Params: one default value per sample metric.
// Returns: ingest-time fill-in values.
type BaselineConfig struct {
	QPS           float64 `toml:"qps"`
	ErrorRate     float64 `toml:"error_rate"`
	LatencyP95    float64 `toml:"latency_p95"`
	LatencyP99    float64 `toml:"latency_p99"`
	Availability  float64 `toml:"availability"`
	StatusCode5xx float64 `toml:"status_code_5xx"`
}

// ThresholdsConfig supplies per-target health boundaries.
// Params: warn/crit values for error rate and p95 latency.
// Returns: sweep health thresholds.
type ThresholdsConfig struct {
	ErrorRateWarn  float64 `toml:"error_rate_warn"`
	ErrorRateCrit  float64 `toml:"error_rate_crit"`
	LatencyP95Warn float64 `toml:"latency_p95_warn"`
	LatencyP95Crit float64 `toml:"latency_p95_crit"`
}

// TargetConfig describes one monitored API target.
// Params: identity, service grouping, baseline, and thresholds.
// Returns: runtime target definition.
type TargetConfig struct {
	ID         string           `toml:"id"`
	Name       string           `toml:"name"`
	Service    string           `toml:"service"`
	Enabled    bool             `toml:"enabled"`
	Baseline   BaselineConfig   `toml:"baseline"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
}

// ConditionConfig describes one composite-rule sub-condition.
// Params: metric predicate fields.
// Returns: one condition of an all/any threshold rule.
type ConditionConfig struct {
	Metric        string  `toml:"metric"`
	Operator      string  `toml:"operator"`
	Threshold     float64 `toml:"threshold"`
	Aggregation   string  `toml:"aggregation"`
	WindowMinutes int     `toml:"window_minutes"`
	MinSamples    int     `toml:"min_samples"`
}

// RuleConfig describes one alert rule.
// Params: shared base fields plus type-specific thresholds.
// Returns: runtime rule definition.
type RuleConfig struct {
	ID                 string            `toml:"id"`
	Name               string            `toml:"name"`
	Type               string            `toml:"type"`
	Enabled            bool              `toml:"enabled"`
	Scope              string            `toml:"scope"`
	Service            string            `toml:"service"`
	TargetID           string            `toml:"target_id"`
	Priority           string            `toml:"priority"`
	Metric             string            `toml:"metric"`
	Operator           string            `toml:"operator"`
	Threshold          float64           `toml:"threshold"`
	Aggregation        string            `toml:"aggregation"`
	WindowMinutes      int               `toml:"window_minutes"`
	MinSamples         int               `toml:"min_samples"`
	CooldownMinutes    int               `toml:"cooldown_minutes"`
	Channels           []string          `toml:"channels"`
	ConditionLogic     string            `toml:"condition_logic"`
	Condition          []ConditionConfig `toml:"condition"`
	FailureCount       int               `toml:"failure_count"`
	ShortWindowMinutes int               `toml:"short_window_minutes"`
	LongWindowMinutes  int               `toml:"long_window_minutes"`
	SLOTarget          float64           `toml:"slo_target"`
	BurnRateThreshold  float64           `toml:"burn_rate_threshold"`
}

// ConfigSource describes a file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeRawConfig converts the raw TOML model to runtime config.
// Params: decoded raw config from one file.
// Returns: normalized config snapshot or shape error.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service: raw.Service,
		Log:     raw.Log,
		Ingest:  raw.Ingest,
		State:   raw.State,
		Notify: NotifyConfig{
			Mode:            raw.Notify.Mode,
			MockFailureRate: raw.Notify.MockFailureRate,
			MaxAttempts:     raw.Notify.MaxAttempts,
			RetryDelaysSec:  raw.Notify.RetryDelaysSec,
			Policy:          raw.Notify.Policy,
			Escalation:      raw.Notify.Escalation,
		},
	}

	channelIDs := make([]string, 0, len(raw.Notify.Channel))
	for id := range raw.Notify.Channel {
		channelIDs = append(channelIDs, id)
	}
	sort.Strings(channelIDs)
	for _, id := range channelIDs {
		body := raw.Notify.Channel[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("notify.channel.%s.id is not supported; use [notify.channel.%s] key as channel id", id, id)
		}
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}
		cfg.Notify.Channel = append(cfg.Notify.Channel, ChannelConfig{
			ID:           id,
			Type:         body.Type,
			Enabled:      enabled,
			Primary:      body.Primary,
			DeliveryMode: body.DeliveryMode,
			BotToken:     body.BotToken,
			ChatID:       body.ChatID,
			APIBase:      body.APIBase,
			URL:          body.URL,
			Method:       body.Method,
			Headers:      body.Headers,
			BaseURL:      body.BaseURL,
			ChannelKey:   body.ChannelKey,
			TimeoutSec:   body.TimeoutSec,
			Template:     body.Template,
		})
	}

	targetIDs := make([]string, 0, len(raw.Target))
	for id := range raw.Target {
		targetIDs = append(targetIDs, id)
	}
	sort.Strings(targetIDs)
	for _, id := range targetIDs {
		body := raw.Target[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("target.%s.id is not supported; use [target.%s] key as target id", id, id)
		}
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}
		cfg.Target = append(cfg.Target, TargetConfig{
			ID:         id,
			Name:       body.Name,
			Service:    body.Service,
			Enabled:    enabled,
			Baseline:   body.Baseline,
			Thresholds: body.Thresholds,
		})
	}

	ruleIDs := make([]string, 0, len(raw.Rule))
	for id := range raw.Rule {
		ruleIDs = append(ruleIDs, id)
	}
	sort.Strings(ruleIDs)
	for _, id := range ruleIDs {
		body := raw.Rule[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("rule.%s.id is not supported; use [rule.%s] key as rule id", id, id)
		}
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}
		cfg.Rule = append(cfg.Rule, RuleConfig{
			ID:                 id,
			Name:               body.Name,
			Type:               body.Type,
			Enabled:            enabled,
			Scope:              body.Scope,
			Service:            body.Service,
			TargetID:           body.TargetID,
			Priority:           body.Priority,
			Metric:             body.Metric,
			Operator:           body.Operator,
			Threshold:          body.Threshold,
			Aggregation:        body.Aggregation,
			WindowMinutes:      body.WindowMinutes,
			MinSamples:         body.MinSamples,
			CooldownMinutes:    body.CooldownMinutes,
			Channels:           body.Channels,
			ConditionLogic:     body.ConditionLogic,
			Condition:          body.Condition,
			FailureCount:       body.FailureCount,
			ShortWindowMinutes: body.ShortWindowMinutes,
			LongWindowMinutes:  body.LongWindowMinutes,
			SLOTarget:          body.SLOTarget,
			BurnRateThreshold:  body.BurnRateThreshold,
		})
	}

	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays one fragment onto the destination snapshot.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if src.State != (StateConfig{}) {
		dst.State = src.State
	}
	mergeNotifyConfig(&dst.Notify, src.Notify)
	if len(src.Target) > 0 {
		dst.Target = append(dst.Target, src.Target...)
	}
	if len(src.Rule) > 0 {
		dst.Rule = append(dst.Rule, src.Rule...)
	}
}

// mergeNotifyConfig overlays a notify fragment preserving sibling fields.
// Params: destination notify config and fragment from one source file.
// Returns: merged notify configuration side-effect in dst.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig) {
	if strings.TrimSpace(src.Mode) != "" {
		dst.Mode = src.Mode
	}
	if src.MockFailureRate != 0 {
		dst.MockFailureRate = src.MockFailureRate
	}
	if src.MaxAttempts != 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if len(src.RetryDelaysSec) > 0 {
		dst.RetryDelaysSec = append([]int(nil), src.RetryDelaysSec...)
	}
	mergeNoisePolicy(&dst.Policy, src.Policy)
	if len(src.Escalation) > 0 {
		dst.Escalation = append(dst.Escalation, src.Escalation...)
	}
	if len(src.Channel) > 0 {
		dst.Channel = append(dst.Channel, src.Channel...)
	}
}

// mergeNoisePolicy overlays explicit noise policy fields.
// Params: destination policy and source fragment.
// Returns: merged policy side-effect in dst.
func mergeNoisePolicy(dst *NoisePolicyConfig, src NoisePolicyConfig) {
	if src.Enabled != nil {
		dst.Enabled = src.Enabled
	}
	if src.DedupWindowSec != 0 {
		dst.DedupWindowSec = src.DedupWindowSec
	}
	if src.SuppressWindowSec != 0 {
		dst.SuppressWindowSec = src.SuppressWindowSec
	}
	if src.FlapWindowMinutes != 0 {
		dst.FlapWindowMinutes = src.FlapWindowMinutes
	}
	if src.FlapThreshold != 0 {
		dst.FlapThreshold = src.FlapThreshold
	}
	if src.AutoSilenceMinutes != 0 {
		dst.AutoSilenceMinutes = src.AutoSilenceMinutes
	}
	if src.SendRecovery != nil {
		dst.SendRecovery = src.SendRecovery
	}
	if src.EscalationEnabled != nil {
		dst.EscalationEnabled = src.EscalationEnabled
	}
	if src.EscalateRequiresPrimary != nil {
		dst.EscalateRequiresPrimary = src.EscalateRequiresPrimary
	}
}

// hasIngestConfig checks whether the ingest section carries explicit values.
// Params: ingest configuration fragment.
// Returns: true when the section should replace the destination.
func hasIngestConfig(cfg IngestConfig) bool {
	if cfg.HTTP.Enabled ||
		strings.TrimSpace(cfg.HTTP.Listen) != "" ||
		strings.TrimSpace(cfg.HTTP.HealthPath) != "" ||
		strings.TrimSpace(cfg.HTTP.ReadyPath) != "" ||
		strings.TrimSpace(cfg.HTTP.IngestPath) != "" ||
		strings.TrimSpace(cfg.HTTP.BatchPath) != "" ||
		cfg.HTTP.MaxBodyBytes != 0 {
		return true
	}
	return cfg.NATS.Enabled ||
		len(cfg.NATS.URL) > 0 ||
		cfg.NATS.Workers != 0 ||
		cfg.NATS.AckWaitSec != 0 ||
		cfg.NATS.NackDelayMS != 0 ||
		cfg.NATS.MaxDeliver != 0 ||
		cfg.NATS.MaxAckPending != 0
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "healthwatch"
	}
	if cfg.Service.SweepIntervalSec <= 0 {
		cfg.Service.SweepIntervalSec = defaultSweepIntervalSec
	}
	if cfg.Service.DeliveryIntervalSec <= 0 {
		cfg.Service.DeliveryIntervalSec = defaultDeliveryIntervalSec
	}
	if cfg.Service.EscalationIntervalSec <= 0 {
		cfg.Service.EscalationIntervalSec = defaultEscalationIntervalSec
	}
	if cfg.Service.DeliveryBatchSize <= 0 {
		cfg.Service.DeliveryBatchSize = defaultDeliveryBatchSize
	}
	if cfg.Service.MetricCapacity <= 0 {
		cfg.Service.MetricCapacity = defaultMetricCapacity
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = 100
	}
	if cfg.Log.File.MaxBackups <= 0 {
		cfg.Log.File.MaxBackups = 3
	}
	if cfg.Log.File.MaxAgeDays <= 0 {
		cfg.Log.File.MaxAgeDays = 14
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.IngestPath) == "" {
		cfg.Ingest.HTTP.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.BatchPath) == "" {
		cfg.Ingest.HTTP.BatchPath = defaultBatchPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}
	if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
		cfg.Ingest.HTTP.Enabled = true
	}
	if cfg.Ingest.NATS.Enabled {
		if len(cfg.Ingest.NATS.URL) == 0 {
			cfg.Ingest.NATS.URL = []string{defaultNATSURL}
		}
		cfg.Ingest.NATS.Subject = defaultNATSSubject
		cfg.Ingest.NATS.Stream = defaultNATSStream
		cfg.Ingest.NATS.ConsumerName = defaultNATSConsumer
		cfg.Ingest.NATS.DeliverGroup = defaultNATSGroup
		if cfg.Ingest.NATS.Workers <= 0 {
			cfg.Ingest.NATS.Workers = defaultNATSWorkers
		}
		if cfg.Ingest.NATS.AckWaitSec <= 0 {
			cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Ingest.NATS.NackDelayMS <= 0 {
			cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 {
			cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Ingest.NATS.MaxAckPending <= 0 {
			cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if strings.TrimSpace(cfg.State.Backend) == "" {
		cfg.State.Backend = StateBackendFile
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		cfg.State.Path = defaultStatePath
	}
	if cfg.State.FlushDebounceSec <= 0 {
		cfg.State.FlushDebounceSec = defaultFlushDebounceSec
	}

	if strings.TrimSpace(cfg.Notify.Mode) == "" {
		cfg.Notify.Mode = DeliveryModeLive
	}
	if cfg.Notify.MaxAttempts <= 0 {
		cfg.Notify.MaxAttempts = defaultMaxAttempts
	}
	if len(cfg.Notify.RetryDelaysSec) == 0 {
		cfg.Notify.RetryDelaysSec = append([]int(nil), defaultRetryDelaysSec...)
	}
	applyNoisePolicyDefaults(&cfg.Notify.Policy)
	sort.SliceStable(cfg.Notify.Escalation, func(i, j int) bool {
		return cfg.Notify.Escalation[i].AfterMinutes < cfg.Notify.Escalation[j].AfterMinutes
	})
	for i := range cfg.Notify.Channel {
		channel := &cfg.Notify.Channel[i]
		if strings.TrimSpace(channel.DeliveryMode) == "" {
			channel.DeliveryMode = cfg.Notify.Mode
		}
		if channel.TimeoutSec <= 0 {
			channel.TimeoutSec = 10
		}
		if channel.Type == ChannelTelegram && channel.APIBase == "" {
			channel.APIBase = "https://api.telegram.org"
		}
		if channel.Type == ChannelWebhook && channel.Method == "" {
			channel.Method = "POST"
		}
	}

	for i := range cfg.Rule {
		rule := &cfg.Rule[i]
		if rule.CooldownMinutes <= 0 {
			rule.CooldownMinutes = defaultCooldownMinutes
		}
		if rule.Type == string(domain.RuleThreshold) && rule.Aggregation == "" {
			rule.Aggregation = "avg"
		}
		for j := range rule.Condition {
			if rule.Condition[j].Aggregation == "" {
				rule.Condition[j].Aggregation = "avg"
			}
		}
	}
}

// applyNoisePolicyDefaults fills omitted noise policy fields.
// Params: policy pointer from decoded snapshot.
// Returns: defaults applied in place.
func applyNoisePolicyDefaults(policy *NoisePolicyConfig) {
	if policy.Enabled == nil {
		enabled := true
		policy.Enabled = &enabled
	}
	if policy.DedupWindowSec <= 0 {
		policy.DedupWindowSec = defaultDedupWindowSec
	}
	if policy.SuppressWindowSec <= 0 {
		policy.SuppressWindowSec = defaultSuppressWindowSec
	}
	if policy.FlapWindowMinutes <= 0 {
		policy.FlapWindowMinutes = defaultFlapWindowMinutes
	}
	if policy.FlapThreshold <= 0 {
		policy.FlapThreshold = defaultFlapThreshold
	}
	if policy.AutoSilenceMinutes <= 0 {
		policy.AutoSilenceMinutes = defaultAutoSilenceMinutes
	}
	if policy.SendRecovery == nil {
		sendRecovery := true
		policy.SendRecovery = &sendRecovery
	}
	if policy.EscalationEnabled == nil {
		escalation := true
		policy.EscalationEnabled = &escalation
	}
	if policy.EscalateRequiresPrimary == nil {
		requires := true
		policy.EscalateRequiresPrimary = &requires
	}
}

// validateConfig validates the full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation failure.
func validateConfig(cfg Config) error {
	if len(cfg.Target) == 0 {
		return errors.New("at least one target is required")
	}
	if len(cfg.Rule) == 0 {
		return errors.New("at least one rule is required")
	}
	if cfg.State.Backend != StateBackendFile && cfg.State.Backend != StateBackendMemory {
		return fmt.Errorf("state.backend has unsupported value %q", cfg.State.Backend)
	}
	if cfg.Notify.Mode != DeliveryModeLive && cfg.Notify.Mode != DeliveryModeMock {
		return fmt.Errorf("notify.mode has unsupported value %q", cfg.Notify.Mode)
	}
	if cfg.Notify.MockFailureRate < 0 || cfg.Notify.MockFailureRate > 1 {
		return errors.New("notify.mock_failure_rate must be in [0, 1]")
	}
	for _, delay := range cfg.Notify.RetryDelaysSec {
		if delay <= 0 {
			return errors.New("notify.retry_delays_sec entries must be >0")
		}
	}

	channelIDs := make(map[string]string, len(cfg.Notify.Channel))
	for _, channel := range cfg.Notify.Channel {
		if strings.TrimSpace(channel.ID) == "" {
			return errors.New("notify.channel id is required")
		}
		if _, dup := channelIDs[channel.ID]; dup {
			return fmt.Errorf("duplicate notify channel id %q", channel.ID)
		}
		channelIDs[channel.ID] = channel.Type
		if _, ok := supportedChannelTypes[channel.Type]; !ok {
			return fmt.Errorf("notify.channel.%s has unsupported type %q", channel.ID, channel.Type)
		}
		if channel.DeliveryMode != DeliveryModeLive && channel.DeliveryMode != DeliveryModeMock {
			return fmt.Errorf("notify.channel.%s has unsupported delivery_mode %q", channel.ID, channel.DeliveryMode)
		}
		if err := validateChannelTransport(channel, channel.DeliveryMode); err != nil {
			return err
		}
		if strings.TrimSpace(channel.Template) != "" {
			if _, err := templatefmt.ParseNotificationTemplate(channel.ID, channel.Template); err != nil {
				return fmt.Errorf("notify.channel.%s.template: %w", channel.ID, err)
			}
		}
	}

	for _, level := range cfg.Notify.Escalation {
		if level.Level <= 0 {
			return errors.New("notify.escalation.level must be >0")
		}
		if level.AfterMinutes <= 0 {
			return fmt.Errorf("notify.escalation level %d requires after_minutes >0", level.Level)
		}
		for _, channelID := range level.Channels {
			if _, ok := channelIDs[channelID]; !ok {
				return fmt.Errorf("notify.escalation level %d references unknown channel %q", level.Level, channelID)
			}
		}
	}

	targetIDs := make(map[string]struct{}, len(cfg.Target))
	for _, target := range cfg.Target {
		if strings.TrimSpace(target.ID) == "" {
			return errors.New("target id is required")
		}
		if _, dup := targetIDs[target.ID]; dup {
			return fmt.Errorf("duplicate target id %q", target.ID)
		}
		targetIDs[target.ID] = struct{}{}
	}

	ruleIDs := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if _, dup := ruleIDs[rule.ID]; dup {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}
		domainRule := rule.DomainRule()
		if err := domainRule.Validate(); err != nil {
			return fmt.Errorf("rule.%s: %w", rule.ID, err)
		}
		if domainRule.Scope == domain.ScopeTarget {
			if _, ok := targetIDs[domainRule.TargetID]; !ok {
				return fmt.Errorf("rule.%s references unknown target %q", rule.ID, domainRule.TargetID)
			}
		}
	}

	return nil
}

// validateChannelTransport checks transport fields required in live mode.
// Params: channel config and delivery mode.
// Returns: validation error for missing transport settings.
func validateChannelTransport(channel ChannelConfig, mode string) error {
	if mode == DeliveryModeMock {
		return nil
	}
	switch channel.Type {
	case ChannelTelegram:
		if strings.TrimSpace(channel.BotToken) == "" || strings.TrimSpace(channel.ChatID) == "" {
			return fmt.Errorf("notify.channel.%s requires bot_token and chat_id", channel.ID)
		}
	case ChannelWebhook:
		if strings.TrimSpace(channel.URL) == "" {
			return fmt.Errorf("notify.channel.%s requires url", channel.ID)
		}
	case ChannelMattermost:
		if strings.TrimSpace(channel.BaseURL) == "" || strings.TrimSpace(channel.BotToken) == "" || strings.TrimSpace(channel.ChannelKey) == "" {
			return fmt.Errorf("notify.channel.%s requires base_url, bot_token, and channel_key", channel.ID)
		}
	}
	return nil
}

// DomainRule converts one rule config into the runtime rule model.
// Params: none.
// Returns: domain rule with an initialized cooldown map.
func (r RuleConfig) DomainRule() domain.Rule {
	conditions := make([]domain.Condition, 0, len(r.Condition))
	for _, condition := range r.Condition {
		conditions = append(conditions, domain.Condition{
			Metric:        condition.Metric,
			Operator:      condition.Operator,
			Threshold:     condition.Threshold,
			Aggregation:   condition.Aggregation,
			WindowMinutes: condition.WindowMinutes,
			MinSamples:    condition.MinSamples,
		})
	}
	return domain.Rule{
		ID:                    r.ID,
		Name:                  r.Name,
		Type:                  domain.RuleType(r.Type),
		Enabled:               r.Enabled,
		Scope:                 domain.RuleScope(r.Scope),
		Service:               r.Service,
		TargetID:              r.TargetID,
		Metric:                r.Metric,
		Operator:              r.Operator,
		Threshold:             r.Threshold,
		Aggregation:           r.Aggregation,
		WindowMinutes:         r.WindowMinutes,
		MinSamples:            r.MinSamples,
		CooldownMinutes:       r.CooldownMinutes,
		Priority:              domain.Priority(r.Priority),
		Actions:               append([]string(nil), r.Channels...),
		ConditionLogic:        domain.ConditionLogic(r.ConditionLogic),
		Conditions:            conditions,
		FailureCount:          r.FailureCount,
		ShortWindowMinutes:    r.ShortWindowMinutes,
		LongWindowMinutes:     r.LongWindowMinutes,
		SLOTarget:             r.SLOTarget,
		BurnRateThreshold:     r.BurnRateThreshold,
		LastTriggeredByTarget: make(map[string]time.Time),
	}
}

// DomainTarget converts one target config into the runtime target model.
// Params: none.
// Returns: domain target starting in unknown health.
func (t TargetConfig) DomainTarget() domain.Target {
	return domain.Target{
		ID:      t.ID,
		Name:    t.Name,
		Service: t.Service,
		Enabled: t.Enabled,
		Health:  domain.HealthUnknown,
		Baseline: domain.TargetBaseline{
			QPS:           t.Baseline.QPS,
			ErrorRate:     t.Baseline.ErrorRate,
			LatencyP95:    t.Baseline.LatencyP95,
			LatencyP99:    t.Baseline.LatencyP99,
			Availability:  t.Baseline.Availability,
			StatusCode5xx: t.Baseline.StatusCode5xx,
		},
		Thresholds: domain.TargetThresholds{
			ErrorRateWarn:  t.Thresholds.ErrorRateWarn,
			ErrorRateCrit:  t.Thresholds.ErrorRateCrit,
			LatencyP95Warn: t.Thresholds.LatencyP95Warn,
			LatencyP95Crit: t.Thresholds.LatencyP95Crit,
		},
	}
}

// DomainRules converts all rule configs to runtime rules.
// Params: none.
// Returns: rule slice in config order.
func (c Config) DomainRules() []domain.Rule {
	rules := make([]domain.Rule, 0, len(c.Rule))
	for _, rule := range c.Rule {
		rules = append(rules, rule.DomainRule())
	}
	return rules
}

// DomainTargets converts all target configs to runtime targets.
// Params: none.
// Returns: target slice in config order.
func (c Config) DomainTargets() []domain.Target {
	targets := make([]domain.Target, 0, len(c.Target))
	for _, target := range c.Target {
		targets = append(targets, target.DomainTarget())
	}
	return targets
}

// RetryDelays converts retry delays to durations.
// Params: none.
// Returns: per-attempt backoff durations.
func (n NotifyConfig) RetryDelays() []time.Duration {
	delays := make([]time.Duration, 0, len(n.RetryDelaysSec))
	for _, delay := range n.RetryDelaysSec {
		delays = append(delays, time.Duration(delay)*time.Second)
	}
	return delays
}
