package manager

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from settings: text on stderr, level
// from SSHBOOT_LOG_LEVEL, per-host daily files when SSHBOOT_HOST_LOGS is set.
func NewLogger(s Settings) *logrus.Logger {
	return newLogger(s, os.Stderr, "")
}

func newLogger(s Settings, out io.Writer, hostLogBase string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
	})
	lvl, err := logrus.ParseLevel(strings.TrimSpace(s.LogLevel))
	if err != nil {
		lvl = logrus.WarnLevel
	}
	log.SetLevel(lvl)
	log.AddHook(redactHook{})
	if s.HostLogs {
		log.AddHook(NewHostLogHook(hostLogBase))
	}
	return log
}

// redactHook runs before formatting. Secret values render as [redacted]
// through their Stringer; the hook additionally replaces raw byte slices and
// strips control characters so remote output cannot forge log lines.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactHook) Fire(e *logrus.Entry) error {
	for k, v := range e.Data {
		switch val := v.(type) {
		case []byte:
			e.Data[k] = redacted
		case Secret:
			e.Data[k] = redacted
		case *Secret, SecretHandle, *SecretHandle:
			e.Data[k] = redacted
		case string:
			e.Data[k] = stripControl(val)
		}
	}
	e.Message = stripControl(e.Message)
	return nil
}

func stripControl(s string) string {
	if strings.IndexFunc(s, isControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isControl(r) {
			return -1
		}
		return r
	}, s)
}

func isControl(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}
