package manager

import (
	"net"
	"path"
	"strconv"
	"strings"
)

// OpenSSH getopt classes. Flags in nonInteractiveFlags never open an
// interactive login (config dump, version, control commands, stdio forward,
// background after auth), so such lines are left to the host.
const (
	sshNoArgFlags       = "1246AaCfGgKkMNnqsTtVvXxYy"
	sshArgFlags         = "BbcDEeFIiJLlmOoPpQRSWw"
	nonInteractiveFlags = "fGVOQW"
	defaultSSHPort      = 22
	sshURIScheme        = "ssh://"
	maxPort             = 65535
)

// ConnectionIntent is a parsed ssh invocation. Values are produced by
// ParseIntent and never mutated; the With* helpers return modified copies.
type ConnectionIntent struct {
	raw         string
	binary      string
	host        string
	username    string
	port        int
	portSet     bool
	remote      string
	remoteWords []string
	options     []string
}

// RawCommand is the line exactly as the user typed it.
func (ci ConnectionIntent) RawCommand() string { return ci.raw }

// Binary is the ssh word as typed (for example "ssh" or "/usr/bin/ssh").
func (ci ConnectionIntent) Binary() string { return ci.binary }

func (ci ConnectionIntent) Host() string     { return ci.host }
func (ci ConnectionIntent) Username() string { return ci.username }
func (ci ConnectionIntent) Port() int        { return ci.port }

// PortExplicit reports whether the typed line named a port.
func (ci ConnectionIntent) PortExplicit() bool { return ci.portSet }

// RemoteCommand is the text after the destination, exactly as typed.
func (ci ConnectionIntent) RemoteCommand() string { return ci.remote }

// RemoteWords are the shell-unquoted words of the remote command, i.e. what
// the local shell would have handed to ssh as trailing arguments.
func (ci ConnectionIntent) RemoteWords() []string {
	return append([]string(nil), ci.remoteWords...)
}

// RemoteShellCommand is the command line the remote shell receives: ssh
// joins its trailing arguments with single spaces.
func (ci ConnectionIntent) RemoteShellCommand() string {
	return strings.Join(ci.remoteWords, " ")
}

// Options returns the passthrough ssh flags in typed order. -p and -l are
// folded into Port and Username and are not included.
func (ci ConnectionIntent) Options() []string {
	return append([]string(nil), ci.options...)
}

// HasOption reports whether a single-letter ssh flag was given.
func (ci ConnectionIntent) HasOption(letter byte) bool {
	want := "-" + string(letter)
	for _, o := range ci.options {
		if o == want {
			return true
		}
	}
	return false
}

// Key returns the deduplication key for this target.
func (ci ConnectionIntent) Key() SessionKey {
	return NewSessionKey(ci.host, ci.username, ci.port)
}

// WithUsername returns a copy with the username replaced.
func (ci ConnectionIntent) WithUsername(username string) ConnectionIntent {
	ci.username = strings.TrimSpace(username)
	return ci
}

// WithHost returns a copy targeting a different host name (alias expansion).
func (ci ConnectionIntent) WithHost(host string) ConnectionIntent {
	if h := strings.TrimSpace(host); h != "" {
		ci.host = hostForDestination(h)
	}
	return ci
}

// WithPort returns a copy with a different port. Invalid ports are ignored.
func (ci ConnectionIntent) WithPort(port int) ConnectionIntent {
	if port >= 1 && port <= maxPort {
		ci.port = port
	}
	return ci
}

// ParseIntent recognizes a typed shell line as an ssh invocation.
//
// ok=false means the line is not applicable: it is not an ssh command, it
// needs the local shell (pipes, expansions, redirections), it does not open an
// interactive login, or its target is malformed. ParseIntent never executes or
// evaluates anything.
func ParseIntent(line string) (ConnectionIntent, bool) {
	line = strings.TrimRight(line, "\r\n")
	words, end, err := splitShellWords(line)
	if err != nil || len(words) < 2 {
		return ConnectionIntent{}, false
	}
	if path.Base(words[0].text) != "ssh" || words[0].quoted {
		return ConnectionIntent{}, false
	}

	ci := ConnectionIntent{
		raw:    line,
		binary: words[0].text,
		port:   defaultSSHPort,
	}
	var (
		flagUser   string
		flagPort   int
		destIdx    = -1
		remoteIdx  = -1
		afterDDash bool
	)

	for i := 1; i < len(words); {
		w := words[i].text
		if !afterDDash && !words[i].quoted && w == "--" {
			afterDDash = true
			i++
			if destIdx >= 0 {
				remoteIdx = i
				break
			}
			continue
		}
		if !afterDDash && !words[i].quoted && len(w) > 1 && w[0] == '-' {
			n, ok := ci.consumeFlag(words, i, &flagUser, &flagPort)
			if !ok {
				return ConnectionIntent{}, false
			}
			i += n
			continue
		}
		if destIdx < 0 {
			destIdx = i
			i++
			if afterDDash {
				remoteIdx = i
				break
			}
			continue
		}
		remoteIdx = i
		break
	}
	if destIdx < 0 {
		return ConnectionIntent{}, false
	}

	user, host, port, ok := parseDestination(words[destIdx].text)
	if !ok {
		return ConnectionIntent{}, false
	}
	ci.host = host
	switch {
	case user != "":
		ci.username = user
	case flagUser != "":
		ci.username = flagUser
	}
	switch {
	case flagPort > 0:
		ci.port, ci.portSet = flagPort, true
	case port > 0:
		ci.port, ci.portSet = port, true
	}

	if remoteIdx >= 0 && remoteIdx < len(words) {
		ci.remote = strings.TrimSpace(line[words[remoteIdx].start:end])
		for _, w := range words[remoteIdx:] {
			ci.remoteWords = append(ci.remoteWords, w.text)
		}
	}
	return ci, true
}

// consumeFlag handles one flag word (possibly a cluster like -tt or -p2222)
// and returns how many words it consumed.
func (ci *ConnectionIntent) consumeFlag(words []shellWord, i int, user *string, port *int) (int, bool) {
	flags := words[i].text[1:]
	for j := 0; j < len(flags); j++ {
		c := flags[j]
		if strings.IndexByte(nonInteractiveFlags, c) >= 0 {
			return 0, false
		}
		if strings.IndexByte(sshNoArgFlags, c) >= 0 {
			ci.options = append(ci.options, "-"+string(c))
			continue
		}
		if strings.IndexByte(sshArgFlags, c) < 0 {
			return 0, false
		}

		consumed := 1
		arg := flags[j+1:]
		if arg == "" {
			if i+1 >= len(words) {
				return 0, false
			}
			arg = words[i+1].text
			consumed = 2
		}
		switch c {
		case 'p':
			p, ok := parsePort(arg)
			if !ok {
				return 0, false
			}
			*port = p
		case 'l':
			if strings.TrimSpace(arg) == "" {
				return 0, false
			}
			*user = arg
		default:
			ci.options = append(ci.options, "-"+string(c), arg)
		}
		return consumed, true
	}
	return 1, true
}

// parseDestination splits [user@]host[:port], [user@][v6]:port and
// ssh://[user@]host[:port]. port is 0 when absent.
func parseDestination(s string) (user, host string, port int, ok bool) {
	uri := strings.HasPrefix(s, sshURIScheme)
	if uri {
		s = strings.TrimSuffix(strings.TrimPrefix(s, sshURIScheme), "/")
	}
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		user = s[:at]
		s = s[at+1:]
		if user == "" {
			return "", "", 0, false
		}
		if uri {
			// ssh URIs may carry ;fingerprint=... connection parameters.
			if semi := strings.IndexByte(user, ';'); semi >= 0 {
				user = user[:semi]
			}
		}
	}

	hostPart, portPart := s, ""
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", 0, false
		}
		hostPart = s[1:end]
		rest := s[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return "", "", 0, false
			}
			portPart = rest[1:]
			if portPart == "" {
				return "", "", 0, false
			}
		}
	case strings.Count(s, ":") == 1:
		idx := strings.IndexByte(s, ':')
		hostPart, portPart = s[:idx], s[idx+1:]
		if portPart == "" {
			return "", "", 0, false
		}
	case strings.Count(s, ":") > 1:
		if net.ParseIP(s) == nil || uri {
			return "", "", 0, false
		}
	}

	if portPart != "" {
		p, valid := parsePort(portPart)
		if !valid {
			return "", "", 0, false
		}
		port = p
	}
	if !validHost(hostPart) {
		return "", "", 0, false
	}
	return user, hostPart, port, true
}

func validHost(h string) bool {
	if h == "" || h[0] == '-' {
		return false
	}
	return !strings.ContainsAny(h, " \t/@[]")
}

func parsePort(s string) (int, bool) {
	if s == "" || len(s) > 5 {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > maxPort {
		return 0, false
	}
	return p, true
}
