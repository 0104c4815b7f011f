package manager

import (
	"path"
	"regexp"
	"strings"
)

const (
	maxTail = 2048

	// elevationMarker replaces sudo's prompt so it can be told apart from
	// anything the remote side prints.
	elevationMarker = "[ssh-bootstrap] sudo password: "
)

var (
	sudoMarkerRe = regexp.MustCompile(regexp.QuoteMeta(strings.TrimSpace(elevationMarker)) + `\s*$`)
	suPromptRe   = regexp.MustCompile(`(?i)^(password|passwort|mot de passe|contraseña)\s*:\s*$`)
	authDeniedRe = regexp.MustCompile(`Permission denied \(|Too many authentication failures`)
)

// outputTail keeps the last maxTail bytes of session output with CR folded
// into line breaks, enough to spot prompts that are not newline terminated.
type outputTail struct {
	b []byte
}

func (t *outputTail) Write(chunk []byte) {
	for _, c := range chunk {
		switch c {
		case 0:
			continue
		case '\r':
			c = '\n'
		}
		t.b = append(t.b, c)
	}
	if len(t.b) > maxTail {
		t.b = append(t.b[:0], t.b[len(t.b)-maxTail:]...)
	}
}

// LastLine is the trimmed text after the final line break.
func (t *outputTail) LastLine() string {
	s := string(t.b)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimSpace(s)
}

func (t *outputTail) String() string { return string(t.b) }

func (t *outputTail) Reset() { t.b = t.b[:0] }

// promptWatcher answers elevation prompts in the session output. It fires at
// most `remaining` times and never for a prompt it cannot attribute to the
// elevation step.
type promptWatcher struct {
	re        *regexp.Regexp
	remaining int
}

func newPromptWatcher(plan ElevationPlan) *promptWatcher {
	if !plan.Required {
		return nil
	}
	w := &promptWatcher{remaining: plan.Prompts}
	if w.remaining < 1 {
		w.remaining = 1
	}
	switch plan.Method {
	case ElevationSudoInline:
		w.re = sudoMarkerRe
	case ElevationSuPrompt:
		w.re = suPromptRe
	default:
		return nil
	}
	return w
}

// Check reports whether the tail ends in an elevation prompt. A match
// consumes the tail so the same prompt is not answered twice.
func (w *promptWatcher) Check(tail *outputTail) bool {
	if w == nil || w.remaining <= 0 {
		return false
	}
	if !w.re.MatchString(tail.LastLine()) {
		return false
	}
	w.remaining--
	tail.Reset()
	return true
}

func (w *promptWatcher) Done() bool { return w == nil || w.remaining <= 0 }

// rewriteSudo points sudo's prompt at the marker. Commands whose first word
// is not a plain sudo are returned unchanged.
func rewriteSudo(cmdline string) (string, bool) {
	trimmed := strings.TrimLeft(cmdline, " \t")
	end := strings.IndexAny(trimmed, " \t")
	first, rest := trimmed, ""
	if end >= 0 {
		first, rest = trimmed[:end], trimmed[end:]
	}
	if strings.ContainsAny(first, `'"\`) || path.Base(first) != "sudo" {
		return cmdline, false
	}
	return first + " -p " + shellQuote(elevationMarker) + rest, true
}

func authRejected(tail string) bool { return authDeniedRe.MatchString(tail) }
