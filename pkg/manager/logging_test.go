package manager

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogger_RedactsSecretMaterial(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(Settings{LogLevel: "debug"}, &buf, "")

	h := NewSecretHandle("mem", CredentialScope{Host: "web1"}, storeKindPassword, "r1")
	log.WithFields(logrus.Fields{
		"raw":    []byte("hunter2"),
		"secret": NewSecret([]byte("hunter2")),
		"handle": h,
		"host":   "web1",
	}).Info("credential resolved")

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("expected secret material redacted, got %q", out)
	}
	if strings.Count(out, redacted) != 3 {
		t.Fatalf("expected three redacted fields, got %q", out)
	}
}

func TestLogger_StripsControlCharacters(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(Settings{LogLevel: "info"}, &buf, "")
	log.WithField("prompt", "ok\x1b[2K\rfake line").Info("remote said\x07 hi\n")

	out := buf.String()
	if strings.ContainsAny(out, "\x1b\x07\r") {
		t.Fatalf("expected control characters stripped, got %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected a single log line, got %q", out)
	}
}

func TestLogger_LevelFallback(t *testing.T) {
	log := newLogger(Settings{LogLevel: "chatty"}, &bytes.Buffer{}, "")
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn fallback, got %s", log.GetLevel())
	}
}

func TestHostLogHook_WritesPerHostFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	log := newLogger(Settings{LogLevel: "info", HostLogs: true}, &buf, dir)

	log.WithFields(logrus.Fields{"host": "db.internal", "secret": []byte("hunter2")}).Info("session active")
	log.Info("no host field")

	files, err := ListHostLogFiles(dir, "db.internal")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one log file, got %v", files)
	}
	st, err := os.Stat(files[0])
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 log file, got %o", st.Mode().Perm())
	}
	lines, err := ReadLastNLines(files[0], 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "session active") {
		t.Fatalf("expected one host entry, got %q", lines)
	}
	if strings.Contains(lines[0], "hunter2") {
		t.Fatalf("expected host log redacted, got %q", lines[0])
	}
}

func TestDailyHostLogPath_Sanitizes(t *testing.T) {
	day := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	p, err := DailyHostLogPath("/var/log/sb", "2001:db8::1", day)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	want := filepath.Join("/var/log/sb", "2001_db8_1", "2024-03-09.log")
	if p != want {
		t.Fatalf("expected %q, got %q", want, p)
	}
	if _, err := DailyHostLogPath("/var/log/sb", " ", day); err == nil {
		t.Fatalf("expected error for empty host")
	}
	if got := sanitizeHostKeyToFilename("../../etc"); strings.Contains(got, "/") {
		t.Fatalf("expected path separators removed, got %q", got)
	}
}

func TestListHostLogFiles_NewestFirst(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []int{3, 1, 2} {
		day := time.Date(2024, 1, d, 8, 0, 0, 0, time.UTC)
		if err := AppendHostLogLine(dir, "web1", day, "entry"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	files, err := ListHostLogFiles(dir, "web1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 3 || filepath.Base(files[0]) != "2024-01-03.log" || filepath.Base(files[2]) != "2024-01-01.log" {
		t.Fatalf("expected newest first, got %v", files)
	}
	if files, err := ListHostLogFiles(dir, "unknown"); err != nil || len(files) != 0 {
		t.Fatalf("expected no files for unknown host, got %v (%v)", files, err)
	}
}

func TestReadLastNLines(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.log")
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&b, "line %04d some padding to cross block boundaries\n", i)
	}
	if err := os.WriteFile(p, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines, err := ReadLastNLines(p, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "line 4997") || !strings.HasPrefix(lines[2], "line 4999") {
		t.Fatalf("unexpected tail %q", lines)
	}
	all, err := ReadLastNLines(p, 10000)
	if err != nil || len(all) != 5000 {
		t.Fatalf("expected whole file, got %d lines (%v)", len(all), err)
	}
}
