package manager

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// runTool runs a helper binary (secret-tool, security, ssh -G) bound to ctx.
// stdin is fed from memory so secrets never reach argv. stdout is returned
// raw; callers that may receive secret material must wipe it.
func runTool(ctx context.Context, path string, stdin []byte, args ...string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), strings.TrimSpace(stderr.String()), err
}

// trimLineEnd drops trailing CR/LF in place.
func trimLineEnd(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b[len(b)-1] = 0
		b = b[:len(b)-1]
	}
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// splitKV splits "key = value" (or "key: value") tool output lines.
func splitKV(line string) (k, v string, ok bool) {
	if i := strings.IndexByte(line, '='); i >= 0 {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
	}
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
	}
	return "", "", false
}
