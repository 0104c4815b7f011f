package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	envPrefix                = "SSHBOOT"
	defaultCredentialTimeout = 20 * time.Second
)

// Settings are process-wide knobs read from SSHBOOT_* environment variables.
type Settings struct {
	// Config overrides the hosts.yaml location.
	Config string `envconfig:"CONFIG"`

	SSHBinary string `envconfig:"SSH_BINARY" default:"ssh"`

	// CredentialTimeout bounds every credential lookup, including prompts.
	CredentialTimeout time.Duration `envconfig:"CREDENTIAL_TIMEOUT" default:"20s"`

	// Backend selects secret stores: auto|platform|file|none.
	Backend                 string `envconfig:"BACKEND" default:"auto"`
	FileStore               string `envconfig:"FILE_STORE"`
	FileStorePassphraseFile string `envconfig:"FILE_STORE_PASSPHRASE_FILE"`

	// PromptMissing asks on the terminal when no stored credential exists.
	PromptMissing bool `envconfig:"PROMPT_MISSING" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`
	HostLogs bool   `envconfig:"HOST_LOGS" default:"false"`

	// ResolveSSHConfig fills user/port from `ssh -G` when neither the typed
	// line nor hosts.yaml sets them.
	ResolveSSHConfig bool `envconfig:"RESOLVE_SSH_CONFIG" default:"true"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("read %s_* settings: %w", envPrefix, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.CredentialTimeout <= 0 {
		return fmt.Errorf("%s_CREDENTIAL_TIMEOUT must be positive, got %s", envPrefix, s.CredentialTimeout)
	}
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", "auto", "platform", "file", "none":
	default:
		return fmt.Errorf("%s_BACKEND: invalid value %q (expected auto|platform|file|none)", envPrefix, s.Backend)
	}
	if strings.TrimSpace(s.SSHBinary) == "" {
		return fmt.Errorf("%s_SSH_BINARY must not be empty", envPrefix)
	}
	return nil
}
