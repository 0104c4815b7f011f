// Package manager implements the ssh-bootstrap pipeline: parsing a typed ssh
// line, resolving stored credentials, planning elevation and launching the
// system ssh client with secrets injected out of band.
package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDirName  = "ssh-bootstrap"
	defaultConfigFilename = "hosts.yaml"
)

// Login modes for hosts.yaml.
const (
	LoginModeAuto    = "auto"
	LoginModeAskpass = "askpass"
	LoginModeManual  = "manual"
	LoginModePrompt  = "prompt"
)

// Config represents the optional hosts.yaml inventory.
//
// Example YAML:
//
// groups:
//   - name: dc1
//     default_user: netops
//     jump_host: bastion.dc1.example.com
//     login_mode: askpass
//
// hosts:
//   - name: db
//     hostname: db.internal
//     group: dc1
//     port: 2222
//     elevation_uses_login: true
//     on_connect:
//       - sudo -i
type Config struct {
	Groups []Group `yaml:"groups"`
	Hosts  []Host  `yaml:"hosts"`
}

// Group defines defaults that apply to all hosts referencing this group.
type Group struct {
	Name        string `yaml:"name"`
	DefaultUser string `yaml:"default_user,omitempty"`
	DefaultPort int    `yaml:"default_port,omitempty"`
	JumpHost    string `yaml:"jump_host,omitempty"`
	LoginMode   string `yaml:"login_mode,omitempty"`

	ElevationUsesLogin bool `yaml:"elevation_uses_login,omitempty"`

	// ConnectDelayMS is how long to wait after the handshake before typing
	// on_connect commands.
	ConnectDelayMS int      `yaml:"connect_delay_ms,omitempty"`
	OnConnect      []string `yaml:"on_connect,omitempty"`
}

// Host is one inventory entry. Name is what the user types after ssh; it may
// be a short alias for HostName.
type Host struct {
	Name     string `yaml:"name"`
	HostName string `yaml:"hostname,omitempty"`
	Group    string `yaml:"group,omitempty"`

	// Optional overrides. If empty/zero, group defaults apply.
	User         string `yaml:"user,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	JumpHost     string `yaml:"jump_host,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`

	// LoginMode controls how authentication is handled for this host.
	// - "" / "auto" / "askpass": supply stored credentials when present
	// - "manual": never supply credentials; ssh prompts as usual
	// - "prompt": like auto, and ask on the terminal when nothing is stored
	LoginMode string `yaml:"login_mode,omitempty"`

	// ElevationUsesLogin reuses the login password for sudo/su.
	ElevationUsesLogin bool `yaml:"elevation_uses_login,omitempty"`

	// OS is "linux" (default) or "windows". Elevation is never planned for
	// windows targets.
	OS string `yaml:"os,omitempty"`

	ConnectDelayMS int      `yaml:"connect_delay_ms,omitempty"`
	OnConnect      []string `yaml:"on_connect,omitempty"`
}

// ResolvedHost captures the effective settings after merging group defaults
// with host overrides. Configured is false when no entry matched; the zero
// values then mean "let ssh decide".
type ResolvedHost struct {
	Host       Host
	Group      *Group
	Configured bool

	EffectiveHostName     string
	EffectiveUser         string
	EffectivePort         int
	EffectiveJumpHost     string
	EffectiveIdentityFile string
	EffectiveLoginMode    string
	ElevationUsesLogin    bool
	Windows               bool
	EffectiveOnConnect    []string

	// EffectiveConnectDelayMS: host.connect_delay_ms overrides
	// group.connect_delay_ms; 0 means the launcher default.
	EffectiveConnectDelayMS int
}

// ErrConfigNotFound is returned when no configuration file can be located.
var ErrConfigNotFound = errors.New("config not found")

// LoadConfig discovers and loads hosts.yaml.
// If explicitPath is empty, it searches common locations in order:
// 1. $SSHBOOT_CONFIG
// 2. $XDG_CONFIG_HOME/ssh-bootstrap/hosts.yaml
// 3. ~/.config/ssh-bootstrap/hosts.yaml
//
// An explicit path that does not exist is an error; missing default
// locations yield ErrConfigNotFound.
func LoadConfig(explicitPath string) (*Config, string, error) {
	if explicitPath != "" {
		p := expandPath(explicitPath)
		cfg, err := loadConfigFile(p)
		return cfg, p, err
	}
	for _, p := range ConfigPathCandidates("") {
		p = expandPath(p)
		if p == "" {
			continue
		}
		cfg, err := loadConfigFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return cfg, p, err
	}
	return nil, "", ErrConfigNotFound
}

func loadConfigFile(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", p, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", p, err)
	}
	return &cfg, nil
}

// ConfigPathCandidates returns possible configuration file paths, in priority order.
// If explicitPath is provided, it is returned first (expanded).
func ConfigPathCandidates(explicitPath string) []string {
	var out []string
	if explicitPath != "" {
		out = append(out, explicitPath)
	}
	if env := os.Getenv(envPrefix + "_CONFIG"); env != "" {
		out = append(out, env)
	}
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg != "" {
		out = append(out, filepath.Join(xdg, defaultConfigDirName, defaultConfigFilename))
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		out = append(out, filepath.Join(home, ".config", defaultConfigDirName, defaultConfigFilename))
	}
	return out
}

// DefaultConfigDir returns the directory path for this application's config.
// Precedence:
//  1. $XDG_CONFIG_HOME/ssh-bootstrap
//  2. ~/.config/ssh-bootstrap
func DefaultConfigDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, defaultConfigDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", defaultConfigDirName), nil
}

// Validate performs basic sanity checks on the configuration.
//
// - Group names must be unique and non-empty.
// - Host names must be unique and non-empty.
// - Hosts referencing a group must reference an existing group.
// - Ports must be within 1..65535 when set.
// - login_mode must be one of: "" | auto | askpass | manual | prompt
// - os must be one of: "" | linux | windows
func (c *Config) Validate() error {
	seenGroups := map[string]struct{}{}
	for i, g := range c.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if _, dup := seenGroups[g.Name]; dup {
			return fmt.Errorf("groups[%d]: duplicate group name %q", i, g.Name)
		}
		if g.ConnectDelayMS < 0 {
			return fmt.Errorf("groups[%d](%s).connect_delay_ms: must be >= 0", i, g.Name)
		}
		if g.DefaultPort < 0 || g.DefaultPort > maxPort {
			return fmt.Errorf("groups[%d](%s).default_port: out of range", i, g.Name)
		}
		if !validLoginMode(g.LoginMode) {
			return fmt.Errorf("groups[%d](%s): invalid login_mode %q (expected: auto|askpass|manual|prompt)", i, g.Name, g.LoginMode)
		}
		seenGroups[g.Name] = struct{}{}
	}

	seenHosts := map[string]struct{}{}
	for i, h := range c.Hosts {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("hosts[%d]: name is required", i)
		}
		key := NormalizeHostFull(h.Name)
		if _, dup := seenHosts[key]; dup {
			return fmt.Errorf("hosts[%d]: duplicate host name %q", i, h.Name)
		}
		seenHosts[key] = struct{}{}

		if strings.TrimSpace(h.Group) != "" {
			if _, ok := seenGroups[h.Group]; !ok {
				return fmt.Errorf("hosts[%d]: group %q not found", i, h.Group)
			}
		}
		if h.ConnectDelayMS < 0 {
			return fmt.Errorf("hosts[%d](%s).connect_delay_ms: must be >= 0", i, h.Name)
		}
		if h.Port < 0 || h.Port > maxPort {
			return fmt.Errorf("hosts[%d](%s).port: out of range", i, h.Name)
		}
		if !validLoginMode(h.LoginMode) {
			return fmt.Errorf("hosts[%d](%s): invalid login_mode %q (expected: auto|askpass|manual|prompt)", i, h.Name, h.LoginMode)
		}
		switch strings.ToLower(strings.TrimSpace(h.OS)) {
		case "", "linux", "windows":
		default:
			return fmt.Errorf("hosts[%d](%s): invalid os %q (expected: linux|windows)", i, h.Name, h.OS)
		}
	}
	return nil
}

func validLoginMode(m string) bool {
	switch strings.ToLower(strings.TrimSpace(m)) {
	case "", LoginModeAuto, LoginModeAskpass, LoginModeManual, LoginModePrompt:
		return true
	default:
		return false
	}
}

// GroupByName builds a name->Group index.
func (c *Config) GroupByName() map[string]Group {
	m := make(map[string]Group, len(c.Groups))
	for _, g := range c.Groups {
		m[g.Name] = g
	}
	return m
}

// HostByName returns the entry whose name, or failing that whose hostname,
// matches the typed host. Returns nil if nothing matches.
func (c *Config) HostByName(name string) *Host {
	if c == nil {
		return nil
	}
	want := NormalizeHostFull(name)
	if want == "" {
		return nil
	}
	for i := range c.Hosts {
		if NormalizeHostFull(c.Hosts[i].Name) == want {
			return &c.Hosts[i]
		}
	}
	for i := range c.Hosts {
		if hn := c.Hosts[i].HostName; hn != "" && NormalizeHostFull(hn) == want {
			return &c.Hosts[i]
		}
	}
	return nil
}

// Lookup resolves the typed host against the inventory.
func (c *Config) Lookup(typedHost string) ResolvedHost {
	h := c.HostByName(typedHost)
	if h == nil {
		return ResolvedHost{EffectiveHostName: typedHost, EffectiveLoginMode: LoginModeAuto}
	}
	return c.ResolveEffective(*h)
}

// ResolveEffective merges host with its group's defaults to produce a ResolvedHost.
// Rules:
// - hostname: host.hostname > host.name
// - user: host.user > group.default_user > "" (ssh decides)
// - port: host.port > group.default_port > 0 (ssh decides)
// - jump_host: host.jump_host > group.jump_host > ""
// - login_mode: host.login_mode > group.login_mode > auto
// - on_connect: group commands first, then host commands
func (c *Config) ResolveEffective(h Host) ResolvedHost {
	var grp *Group
	if h.Group != "" {
		if g, ok := c.GroupByName()[h.Group]; ok {
			grp = &g
		}
	}

	r := ResolvedHost{
		Host:                  h,
		Group:                 grp,
		Configured:            true,
		EffectiveHostName:     firstNonEmpty(strings.TrimSpace(h.HostName), strings.TrimSpace(h.Name)),
		EffectiveUser:         strings.TrimSpace(h.User),
		EffectivePort:         h.Port,
		EffectiveJumpHost:     strings.TrimSpace(h.JumpHost),
		EffectiveIdentityFile: expandPath(strings.TrimSpace(h.IdentityFile)),
		EffectiveLoginMode:    strings.ToLower(strings.TrimSpace(h.LoginMode)),
		ElevationUsesLogin:    h.ElevationUsesLogin,
		Windows:               strings.EqualFold(strings.TrimSpace(h.OS), "windows"),
	}

	if grp != nil {
		if r.EffectiveUser == "" {
			r.EffectiveUser = strings.TrimSpace(grp.DefaultUser)
		}
		if r.EffectivePort <= 0 {
			r.EffectivePort = grp.DefaultPort
		}
		if r.EffectiveJumpHost == "" {
			r.EffectiveJumpHost = strings.TrimSpace(grp.JumpHost)
		}
		if r.EffectiveLoginMode == "" {
			r.EffectiveLoginMode = strings.ToLower(strings.TrimSpace(grp.LoginMode))
		}
		r.ElevationUsesLogin = r.ElevationUsesLogin || grp.ElevationUsesLogin
		if grp.ConnectDelayMS > 0 {
			r.EffectiveConnectDelayMS = grp.ConnectDelayMS
		}
		r.EffectiveOnConnect = append(r.EffectiveOnConnect, grp.OnConnect...)
	}
	if r.EffectiveLoginMode == "" {
		r.EffectiveLoginMode = LoginModeAuto
	}
	if h.ConnectDelayMS > 0 {
		r.EffectiveConnectDelayMS = h.ConnectDelayMS
	}
	r.EffectiveOnConnect = append(r.EffectiveOnConnect, h.OnConnect...)
	return r
}

// SuppliesCredentials reports whether stored secrets may be injected.
func (r ResolvedHost) SuppliesCredentials() bool {
	return r.EffectiveLoginMode != LoginModeManual
}

// Prompts reports whether the user should be asked when nothing is stored.
func (r ResolvedHost) Prompts() bool {
	return r.EffectiveLoginMode == LoginModePrompt
}

// StartupCommands returns on_connect commands without blank and comment
// lines.
func (r ResolvedHost) StartupCommands() []string {
	var out []string
	for _, c := range r.EffectiveOnConnect {
		c = strings.TrimSpace(c)
		if c == "" || strings.HasPrefix(c, "#") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// expandPath expands leading "~" and environment variables in a path.
// If the input is empty, returns "".
func expandPath(p string) string {
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		if home != "" {
			if p == "~" {
				p = home
			} else if strings.HasPrefix(p, "~/") {
				p = filepath.Join(home, p[2:])
			}
		}
	}
	return p
}
