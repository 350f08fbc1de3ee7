package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
feed:
  handle: bot.bsky.social
  app_password: xxxx-xxxx-xxxx-xxxx
store:
  path: /var/lib/harkbot/harkbot.db
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Feed.Handle != "bot.bsky.social" {
		t.Fatalf("handle = %q", cfg.Feed.Handle)
	}
	if !cfg.Logging.Console {
		t.Fatal("console flag lost in yaml round trip")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	body := minimalYAML + "\nsurprise_section:\n  key: 1\n"
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown top-level field must be rejected")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	body := `{"feed":{"handle":"a","app_password":"b"},"store":{"path":"c"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}}}{}`
	m := NewManager(writeConfig(t, "config.json", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing document must be rejected")
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg := &Config{
		Feed:  FeedConfig{Handle: "bot.bsky.social", AppPassword: "pw"},
		Store: StoreConfig{Path: "/tmp/x.db"},
	}
	r, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.PageLimit != DefaultPageLimit || r.MaxPages != DefaultMaxPages {
		t.Fatalf("feed defaults: %+v", r)
	}
	if r.Threshold != DefaultThreshold || r.MinBatchSize != DefaultMinBatchSize || r.RetryMax != DefaultRetryMax {
		t.Fatalf("threading defaults: %+v", r)
	}
	if r.Window != DefaultWindow || r.MentionMin != DefaultMentionMin || r.ReplyMax != DefaultReplyMax {
		t.Fatalf("duration defaults: %+v", r)
	}
	if r.PollInterval != DefaultPollInterval || r.MaintenanceSchedule != DefaultMaintenanceSchedule {
		t.Fatalf("scheduler defaults: %+v", r)
	}
	// Absent max_extension means "use the tier max", expressed as zero.
	if r.MaxExtension != 0 {
		t.Fatalf("max_extension = %v", r.MaxExtension)
	}
}

func TestResolveFailures(t *testing.T) {
	base := func() *Config {
		return &Config{
			Feed:  FeedConfig{Handle: "bot.bsky.social", AppPassword: "pw"},
			Store: StoreConfig{Path: "/tmp/x.db"},
		}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing handle", func(c *Config) { c.Feed.Handle = " " }, "feed.handle"},
		{"missing password", func(c *Config) { c.Feed.AppPassword = "" }, "feed.app_password"},
		{"missing store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"bad duration", func(c *Config) { c.Threading.Window = "soon" }, "threading.window"},
		{"negative duration", func(c *Config) { c.Threading.Cooldown = "-5m" }, "threading.cooldown"},
		{"inverted mention tier", func(c *Config) {
			c.Threading.MentionDebounceMin = "10m"
			c.Threading.MentionDebounceMax = "1m"
		}, "mention_debounce_max"},
		{"reply tier shorter than mention tier", func(c *Config) {
			c.Threading.ReplyDebounceMin = "30s"
			c.Threading.ReplyDebounceMax = "1m"
		}, "reply debounce tier"},
		{"bad cron", func(c *Config) { c.Scheduler.MaintenanceSchedule = "every day" }, "maintenance_schedule"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"alert enabled without token", func(c *Config) {
			c.Alert = &AlertConfig{Enabled: true, ChatID: 1}
		}, "alert.token"},
		{"alert enabled without chat", func(c *Config) {
			c.Alert = &AlertConfig{Enabled: true, Token: "t"}
		}, "alert.chat_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestResolveDisabledAlertSkipsRequirements(t *testing.T) {
	cfg := &Config{
		Feed:  FeedConfig{Handle: "bot.bsky.social", AppPassword: "pw"},
		Store: StoreConfig{Path: "/tmp/x.db"},
		Alert: &AlertConfig{Enabled: false},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled alert should not require credentials: %v", err)
	}
}

func TestSummarizeChangeRedactsSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{
		Feed:  FeedConfig{Handle: "bot.bsky.social", AppPassword: "super-secret"},
		Alert: &AlertConfig{Enabled: true, Token: "bot-token", ChatID: 9},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)

	want := []string{"alert", "feed"}
	if len(changed) != len(want) || changed[0] != want[0] || changed[1] != want[1] {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected structured attrs for changed sections")
	}
}

func TestSummarizeChangeTokenChangeOnly(t *testing.T) {
	oldCfg := &Config{Alert: &AlertConfig{Enabled: true, Token: "a", ChatID: 9}}
	newCfg := &Config{Alert: &AlertConfig{Enabled: true, Token: "b", ChatID: 9}}
	// Both tokens are set; the redacted views are equal, so a token swap
	// alone is not reported as a change.
	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate() })

	ch := m.Subscribe(2)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to attach before the write.
	time.Sleep(300 * time.Millisecond)

	updated := strings.Replace(minimalYAML, "level: info", "level: debug", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after file change")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatchRejectsInvalidChange(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate() })

	ch := m.Subscribe(2)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(300 * time.Millisecond)

	broken := strings.Replace(minimalYAML, "handle: bot.bsky.social", "handle: \"\"", 1)
	if err := os.WriteFile(path, []byte(broken), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		t.Fatalf("invalid config must not be published: %+v", cfg)
	case <-time.After(1500 * time.Millisecond):
	}

	// The committed config is unchanged.
	if got := m.Get(); got == nil || got.Feed.Handle != "bot.bsky.social" {
		t.Fatalf("committed config mutated: %+v", got)
	}
}
