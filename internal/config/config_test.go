package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvPassword, "")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RCON.Game != "minecraft" || cfg.RCON.Port != DefaultRCONPort {
		t.Fatalf("rcon = %+v", cfg.RCON)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if d := cfg.RCON.ReconnectDelay().Seconds(); d != 5 {
		t.Fatalf("reconnect delay = %vs", d)
	}
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := `{"rcon": {"game": "ark", "host": "10.0.0.5", "port": 27020, "password": "fromfile"}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(file), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, DefaultEnvFile), []byte("RCON_HOST=192.168.1.9\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvPassword, "fromenv")
	t.Setenv(EnvHost, "")
	os.Unsetenv(EnvHost)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RCON.Game != "ark" || cfg.RCON.Port != 27020 {
		t.Errorf("file values lost: %+v", cfg.RCON)
	}
	if cfg.RCON.Password != "fromenv" {
		t.Errorf("password = %q, want env value", cfg.RCON.Password)
	}
	if cfg.RCON.Host != "192.168.1.9" {
		t.Errorf("host = %q, want .env value", cfg.RCON.Host)
	}
	if cfg.RCON.ReadTimeoutMS != 2000 {
		t.Errorf("missing field did not keep its default: %d", cfg.RCON.ReadTimeoutMS)
	}

	// The env overlay must not leak into the saved file.
	data, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	var saved Config
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.RCON.Password != "fromfile" {
		t.Errorf("saved password = %q", saved.RCON.Password)
	}
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	if err := DefaultConfig().ApplyEnv(); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RCON.Password = "secret"
	cfg.API.Token = "token"
	if r := Validate(cfg); !r.IsValid() {
		t.Fatalf("defaults invalid: %v", r.Errors)
	}

	cfg.RCON.Game = "tetris"
	cfg.RCON.Port = 70000
	cfg.MQTT.Enabled = true
	cfg.API.IPWhitelist = []string{"10.0.0.0/8", "nonsense"}
	r := Validate(cfg)

	fields := map[string]bool{}
	for _, e := range r.Errors {
		fields[e.Field] = true
	}
	for _, want := range []string{"rcon.game", "rcon.port", "mqtt.broker_url", "api.ip_whitelist"} {
		if !fields[want] {
			t.Errorf("missing error for %s (got %v)", want, r.Errors)
		}
	}
}

func TestValidateWarnsOnEmptyPassword(t *testing.T) {
	r := Validate(DefaultConfig())
	for _, w := range r.Warnings {
		if w.Field == "rcon.password" {
			return
		}
	}
	t.Fatalf("no password warning in %v", r.Warnings)
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	answers := strings.Join([]string{
		"conanexiles", // game
		"10.1.1.1",    // host
		"25580",       // port
		"hunter2",     // password
		"no",          // retry
		"yes",         // api
		"",            // api port
		"tok",         // token
		"no",          // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}
	r := cfg.GetRCON()
	if r.Game != "conanexiles" || r.Port != 25580 || r.Password != "hunter2" || r.ConnectRetry {
		t.Fatalf("rcon = %+v", r)
	}
	if cfg.API.Token != "tok" || cfg.API.Port != DefaultAPIPort {
		t.Fatalf("api = %+v", cfg.API)
	}
	if cfg.IsFirstRun() {
		t.Fatal("still first run after wizard")
	}
}

func TestSetupWizardGivesUpOnInvalidInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	if err := RunSetupWizard(cfg, strings.NewReader("tetris\n"), &bytes.Buffer{}); err == nil {
		t.Fatal("expected validation failure")
	}
}
