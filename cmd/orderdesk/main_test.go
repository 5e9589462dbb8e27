package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"orderdesk/internal/alert"
	"orderdesk/internal/classifier"
	"orderdesk/internal/config"
	"orderdesk/internal/ledger"
	"orderdesk/internal/source"
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuildComponents_DefaultsAreDisabled(t *testing.T) {
	cfg := config.Defaults()
	comps, err := buildComponents(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer comps.Close()

	if _, ok := comps.source.(source.Disabled); !ok {
		t.Errorf("source should be disabled, got %T", comps.source)
	}
	if _, ok := comps.classifier.(classifier.Disabled); !ok {
		t.Errorf("classifier should be disabled, got %T", comps.classifier)
	}
	if _, ok := comps.ledger.(ledger.Disabled); !ok {
		t.Errorf("ledger should be disabled, got %T", comps.ledger)
	}
	if _, ok := comps.alert.(alert.Disabled); !ok {
		t.Errorf("alert should be disabled, got %T", comps.alert)
	}
	for _, name := range []string{"source", "classifier", "ledger", "alert"} {
		if !slices.Contains(comps.disabled, name) {
			t.Errorf("%s missing from disabled list %v", name, comps.disabled)
		}
	}
	if comps.pipeline == nil {
		t.Fatal("pipeline not built")
	}
}

func TestBuildComponents_Configured(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Source.AccountSID = "AC123"
	cfg.Source.AuthToken = "secret"
	cfg.Providers["openai"] = config.ProviderConfig{Enabled: true, APIKey: "sk-test", DefaultModel: "gpt-4o-mini"}
	cfg.Ledger.Kind = "sqlite"
	cfg.Ledger.SQLite.DBPath = filepath.Join(dir, "ledger.db")
	cfg.Alert.Kind = "webhook"
	cfg.Alert.WebhookURL = "http://127.0.0.1:1/hook"
	cfg.State.Kind = "sqlite"
	cfg.State.DBPath = filepath.Join(dir, "state.db")

	comps, err := buildComponents(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer comps.Close()

	if len(comps.disabled) != 0 {
		t.Errorf("nothing should be disabled, got %v", comps.disabled)
	}
	if comps.source.Name() != "twilio" || comps.ledger.Name() != "sqlite" || comps.alert.Name() != "webhook" {
		t.Errorf("unexpected components: %s %s %s", comps.source.Name(), comps.ledger.Name(), comps.alert.Name())
	}
	if comps.classifier.Name() != "llm:openai" {
		t.Errorf("classifier = %s", comps.classifier.Name())
	}
}

func TestBuildComponents_UnknownKind(t *testing.T) {
	cfg := config.Defaults()
	cfg.Alert.Kind = "pager"
	if _, err := buildComponents(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown alert kind")
	}
}

func TestMissingCredentials(t *testing.T) {
	cfg := config.Defaults()
	got := missingCredentials(cfg)
	want := []string{"source", "classifier", "ledger", "alert"}
	if !slices.Equal(got, want) {
		t.Fatalf("missing = %v, want %v", got, want)
	}

	cfg.Alert.Kind = "telegram"
	cfg.Alert.Telegram.Token = "123:abc"
	cfg.Alert.Telegram.ChatID = "@orders"
	cfg.Classifier.Provider = "ollama"
	cfg.Providers["ollama"] = config.ProviderConfig{Enabled: true, APIBase: "http://localhost:11434"}
	got = missingCredentials(cfg)
	if !slices.Equal(got, []string{"source", "ledger"}) {
		t.Fatalf("missing = %v", got)
	}
}

func TestNewLogger_FileAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "orderdesk.log")
	l, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "warn", LogFormat: "json", LogFile: path})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("dropped")
	l.Warn("kept")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"kept"`) || strings.Contains(out, "dropped") {
		t.Fatalf("unexpected log contents: %s", out)
	}
}

func TestCheckDatabase(t *testing.T) {
	if err := checkDatabase(filepath.Join(t.TempDir(), "nested", "state.db")); err != nil {
		t.Fatalf("checkDatabase: %v", err)
	}
}

func TestCheckProvider(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Classifier.Provider = "ollama"
	cfg.Providers["ollama"] = config.ProviderConfig{Enabled: true, APIBase: srv.URL}
	if err := checkProvider(context.Background(), cfg); err != nil {
		t.Fatalf("expected reachable provider, got %v", err)
	}

	status = http.StatusInternalServerError
	if err := checkProvider(context.Background(), cfg); err == nil {
		t.Fatal("expected error from unhealthy provider")
	}
}

func TestCheckProvider_NotConfigured(t *testing.T) {
	cfg := config.Defaults()
	if err := checkProvider(context.Background(), cfg); err == nil {
		t.Fatal("expected error for provider without credentials")
	}
}
