package manager

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// sshConfigTimeout bounds `ssh -G`, which only reads local config files.
const sshConfigTimeout = 3 * time.Second

// SSHEffective is the subset of `ssh -G <host>` output the pipeline uses.
// Values equal to ssh's built-in defaults (local username, port 22) are left
// empty so that they do not count as explicit configuration.
type SSHEffective struct {
	User          string
	HostName      string
	Port          int
	IdentityFiles []string
}

// SSHConfigFunc resolves the effective client configuration for a host.
type SSHConfigFunc func(ctx context.Context, host string) SSHEffective

// SSHConfigResolver returns an SSHConfigFunc that shells out to binary -G.
// Failures yield an empty SSHEffective.
func SSHConfigResolver(binary string) SSHConfigFunc {
	return func(ctx context.Context, host string) SSHEffective {
		eff, err := SSHEffectiveConfig(ctx, binary, host)
		if err != nil {
			return SSHEffective{}
		}
		return eff
	}
}

// SSHEffectiveConfig runs `ssh -G host` and parses its output.
func SSHEffectiveConfig(ctx context.Context, binary, host string) (SSHEffective, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return SSHEffective{}, nil
	}
	if binary == "" {
		binary = "ssh"
	}
	ctx, cancel := context.WithTimeout(ctx, sshConfigTimeout)
	defer cancel()

	out, stderr, err := runTool(ctx, binary, nil, "-G", "--", host)
	if err != nil {
		return SSHEffective{}, fmt.Errorf("ssh -G %s: %s", host, firstNonEmpty(stderr, err.Error()))
	}
	return parseSSHEffective(out, currentUsername()), nil
}

func parseSSHEffective(out []byte, localUser string) SSHEffective {
	var eff SSHEffective
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.Fields(strings.TrimSpace(sc.Text()))
		if len(parts) < 2 {
			continue
		}
		val := strings.TrimSpace(parts[1])
		switch strings.ToLower(parts[0]) {
		case "user":
			if eff.User == "" && val != localUser {
				eff.User = val
			}
		case "hostname":
			if eff.HostName == "" {
				eff.HostName = val
			}
		case "port":
			if eff.Port == 0 {
				if p, err := strconv.Atoi(val); err == nil && p > 0 && p != defaultSSHPort {
					eff.Port = p
				}
			}
		case "identityfile":
			eff.IdentityFiles = append(eff.IdentityFiles, strings.Join(parts[1:], " "))
		}
	}
	return eff
}

// FirstIdentityFile returns the first identity file that exists on disk.
func (e SSHEffective) FirstIdentityFile() string {
	for _, f := range e.IdentityFiles {
		p := expandPath(f)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// currentUsername returns the current OS user name, or the USER env if lookup fails.
// Returns empty string if neither are available.
func currentUsername() string {
	if u, err := user.Current(); err == nil && u != nil && u.Username != "" {
		return filepath.Base(u.Username)
	}
	return os.Getenv("USER")
}
