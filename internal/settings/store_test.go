package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, dir
}

func TestSetPersistsBeforeReturn(t *testing.T) {
	s, dir := newStore(t)

	if err := s.Set("volume.min_db", -50.0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatalf("settings.json missing after Set: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	vol, _ := doc["volume"].(map[string]any)
	if vol["min_db"] != -50.0 {
		t.Fatalf("persisted min_db = %v, want -50", vol["min_db"])
	}
}

func TestGetFallsBackToDefault(t *testing.T) {
	s, _ := newStore(t)

	if got := s.GetFloat(KeyVolumeMinDB, 99); got != -60 {
		t.Fatalf("GetFloat(min_db) = %v, want default -60", got)
	}
	if got := s.GetString(KeyLanguage, "xx"); got != "en" {
		t.Fatalf("GetString(language) = %q, want default en", got)
	}
	if got := s.GetFloat("volume.no_such_key", 7); got != 7 {
		t.Fatalf("unknown key = %v, want caller fallback 7", got)
	}
}

func TestDotPathNesting(t *testing.T) {
	s, _ := newStore(t)

	if err := s.Set("screen.timeout_seconds", 120.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("screen.timeout_enabled", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.GetFloat("screen.timeout_seconds", 0); got != 120 {
		t.Fatalf("timeout_seconds = %v, want 120", got)
	}
	if got := s.GetBool("screen.timeout_enabled", true); got {
		t.Fatal("timeout_enabled = true, want false")
	}
}

func TestCorruptFileFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("language", "de"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Corrupt the primary file; the backup written by Set should win.
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}
	s2, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.GetString("language", ""); got != "de" {
		t.Fatalf("language after recovery = %q, want de", got)
	}
}

func TestBackupRotationKeepsFive(t *testing.T) {
	s, dir := newStore(t)
	for i := 0; i < 8; i++ {
		if err := s.Set("volume.startup_volume_db", float64(-30-i)); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct timestamped names
	}
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("read backups: %v", err)
	}
	if len(entries) > 5 {
		t.Fatalf("backups = %d, want <= 5", len(entries))
	}
}

func TestWatchDeliversMatchingPrefix(t *testing.T) {
	s, _ := newStore(t)
	ch := s.Watch("volume.")

	if err := s.Set("language", "fr"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("volume.max_db", -3.0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case c := <-ch:
		if c.Path != "volume.max_db" {
			t.Fatalf("watch path = %q, want volume.max_db", c.Path)
		}
		if c.New != -3.0 {
			t.Fatalf("watch new = %v, want -3", c.New)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event delivered")
	}
}

func TestReloadEmitsDiffs(t *testing.T) {
	s, dir := newStore(t)
	if err := s.Set("language", "en"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ch := s.Watch("language")

	// External edit, as the fsnotify path would observe it.
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"language":"it"}`), 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	select {
	case c := <-ch:
		if c.Old != "en" || c.New != "it" {
			t.Fatalf("diff = %v -> %v, want en -> it", c.Old, c.New)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload diff delivered")
	}
	if got := s.GetString("language", ""); got != "it" {
		t.Fatalf("language after reload = %q, want it", got)
	}
}

func TestSetRollsBackOnWriteFailure(t *testing.T) {
	s, dir := newStore(t)
	if err := s.Set("language", "en"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Make the directory unwritable so the atomic write fails.
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	if err := s.Set("language", "es"); err == nil {
		t.Fatal("Set succeeded on read-only dir, want error")
	}
	if got := s.GetString("language", ""); got != "en" {
		t.Fatalf("language after failed Set = %q, want en (rolled back)", got)
	}
}
