package manager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Per-host daily logs live under <config dir>/logs/<host>/YYYY-MM-DD.log.
// Only log entries are written there, never session output.
const (
	hostLogsSubdir = "logs"
	hostLogExt     = ".log"
	hostLogDay     = "2006-01-02"
)

// HostLogsBaseDir returns the directory holding one subdirectory per host.
// A non-empty base overrides the default location.
func HostLogsBaseDir(base string) (string, error) {
	if b := strings.TrimSpace(base); b != "" {
		return expandPath(b), nil
	}
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hostLogsSubdir), nil
}

// DailyHostLogPath returns the log file for host on the day of t.
func DailyHostLogPath(base, host string, t time.Time) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("host is required")
	}
	if t.IsZero() {
		t = time.Now()
	}
	root, err := HostLogsBaseDir(base)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, sanitizeHostKeyToFilename(host), t.Format(hostLogDay)+hostLogExt), nil
}

// AppendHostLogLine appends one timestamped line to the host's daily log,
// creating the directory (0700) and file (0600) as needed.
func AppendHostLogLine(base, host string, t time.Time, line string) error {
	if t.IsZero() {
		t = time.Now()
	}
	p, err := DailyHostLogPath(base, host, t)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("mkdir logs dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log for append: %w", err)
	}
	defer f.Close()

	record := fmt.Sprintf("%s %s\n", t.Format(time.RFC3339), strings.TrimRight(line, "\r\n"))
	if _, err := io.WriteString(f, record); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// ListHostLogFiles lists a host's log files, newest first.
func ListHostLogFiles(base, host string) ([]string, error) {
	root, err := HostLogsBaseDir(base)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, sanitizeHostKeyToFilename(host))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), hostLogExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	// YYYY-MM-DD names sort chronologically.
	sort.Slice(paths, func(i, j int) bool { return filepath.Base(paths[i]) > filepath.Base(paths[j]) })
	return paths, nil
}

// ReadLastNLines returns up to n trailing lines of path in file order. It
// scans backwards in blocks so large logs are not read whole.
func ReadLastNLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	f, err := os.Open(expandPath(strings.TrimSpace(path)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	const blockSize = 32 * 1024
	var (
		buf    []byte
		offset = st.Size()
	)
	for offset > 0 && strings.Count(string(buf), "\n") <= n {
		readSize := int64(blockSize)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize
		block := make([]byte, readSize)
		if _, err := f.ReadAt(block, offset); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(block, buf...)
	}

	s := strings.TrimRight(string(buf), "\r\n")
	if s == "" {
		return []string{}, nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// HostLogHook copies every entry that carries a "host" field into that
// host's daily log.
type HostLogHook struct {
	base      string
	formatter logrus.Formatter

	mu sync.Mutex
}

func NewHostLogHook(base string) *HostLogHook {
	return &HostLogHook{
		base:      base,
		formatter: &logrus.TextFormatter{DisableColors: true, DisableTimestamp: true},
	}
}

func (h *HostLogHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *HostLogHook) Fire(e *logrus.Entry) error {
	host, ok := e.Data["host"].(string)
	if !ok || host == "" {
		return nil
	}
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return AppendHostLogLine(h.base, host, e.Time, string(line))
}

// sanitizeHostKeyToFilename converts a host into a filesystem-safe name.
func sanitizeHostKeyToFilename(hostKey string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"\t", "_",
	)
	hostKey = replacer.Replace(strings.TrimSpace(hostKey))
	for strings.Contains(hostKey, "__") {
		hostKey = strings.ReplaceAll(hostKey, "__", "_")
	}
	hostKey = strings.Trim(hostKey, "._-")
	if hostKey == "" {
		return "host"
	}
	return hostKey
}
