package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	closer, err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 5})
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	defer closer.Close()

	logger := ComponentLogger("test")
	logger.Info().Msg("hello from test")

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("no log file created: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"component":"test"`) || !strings.Contains(string(data), `"app":"rconbridge"`) {
		t.Fatalf("log line missing fields: %s", data)
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-10 * time.Hour)
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, AppName+"_"+string(rune('a'+i))+".log")
		if err := os.WriteFile(path, nil, 0644); err != nil {
			t.Fatal(err)
		}
		mod := base.Add(time.Duration(i) * time.Hour)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "other.log"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if removed := cleanOldLogs(dir, 2); removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	for _, name := range []string{AppName + "_c.log", AppName + "_d.log", "other.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s should remain: %v", name, err)
		}
	}
}

func TestSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	if info.CPUCores < 1 || info.Architecture == "" {
		t.Fatalf("info = %+v", info)
	}
	if ps := GetProcessStats(); ps.PID == 0 || ps.Goroutines < 1 {
		t.Fatalf("process stats = %+v", ps)
	}
}
