package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

var (
	promptTitleStyle = lipgloss.NewStyle().Bold(true)
	promptHintStyle  = lipgloss.NewStyle().Faint(true)
)

type promptTickMsg struct{}

// promptModel is a single masked input line with an optional countdown.
type promptModel struct {
	title     string
	input     textinput.Model
	remaining time.Duration
	timed     bool

	submitted bool
	cancelled bool
	timedOut  bool
}

func newPromptModel(title string, timeout time.Duration) promptModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.EchoMode = textinput.EchoPassword
	ti.EchoCharacter = '•'
	ti.CharLimit = 1024
	ti.PromptStyle = ti.PromptStyle.Bold(true)
	ti.Focus()
	return promptModel{
		title:     title,
		input:     ti,
		remaining: timeout,
		timed:     timeout > 0,
	}
}

func promptTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return promptTickMsg{} })
}

func (m promptModel) Init() tea.Cmd {
	if m.timed {
		return tea.Batch(textinput.Blink, promptTick())
	}
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			m.submitted = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC, tea.KeyCtrlD:
			m.cancelled = true
			return m, tea.Quit
		}
	case promptTickMsg:
		if !m.timed {
			return m, nil
		}
		m.remaining -= time.Second
		if m.remaining <= 0 {
			m.timedOut = true
			return m, tea.Quit
		}
		return m, promptTick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.submitted || m.cancelled || m.timedOut {
		return ""
	}
	hint := "enter to submit, esc to skip"
	if m.timed {
		hint = fmt.Sprintf("%s, %ds left", hint, int(m.remaining.Seconds()))
	}
	return promptTitleStyle.Render(m.title) + "\n" + m.input.View() + "\n" + promptHintStyle.Render(hint) + "\n"
}

// result converts the final model state. The value travels as a fresh byte
// slice; the textinput buffer is reset.
func (m *promptModel) result() (*Secret, error) {
	defer m.input.Reset()
	switch {
	case m.timedOut:
		return nil, context.DeadlineExceeded
	case m.cancelled, !m.submitted:
		return nil, ErrCredentialNotFound
	}
	v := m.input.Value()
	if v == "" {
		return nil, ErrCredentialNotFound
	}
	return NewSecret([]byte(v)), nil
}

// PromptFunc asks the user for one secret.
type PromptFunc func(ctx context.Context, title string) (*Secret, error)

// TerminalPrompt returns a PromptFunc that runs a masked bubbletea prompt on
// /dev/tty. timeout <= 0 disables the countdown; ctx cancellation always
// aborts the prompt.
func TerminalPrompt(timeout time.Duration) PromptFunc {
	return func(ctx context.Context, title string) (*Secret, error) {
		tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: open /dev/tty: %v", errStoreUnavailable, err)
		}
		defer tty.Close()

		p := tea.NewProgram(newPromptModel(title, timeout),
			tea.WithContext(ctx),
			tea.WithInput(tty),
			tea.WithOutput(tty),
		)
		final, err := p.Run()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			return nil, fmt.Errorf("prompt: %w", err)
		}
		fm, ok := final.(promptModel)
		if !ok {
			return nil, errors.New("prompt: unexpected model")
		}
		return fm.result()
	}
}

// PromptStore is the last link of the store chain: it asks the user when
// nothing is stored. Answers are held until the launcher releases them.
type PromptStore struct {
	prompt  PromptFunc
	enabled func(host string) bool

	mu      sync.Mutex
	pending map[string]*Secret
}

// NewPromptStore returns a store that prompts for hosts where enabled reports
// true. A nil enabled prompts for every host.
func NewPromptStore(prompt PromptFunc, enabled func(host string) bool) *PromptStore {
	return &PromptStore{prompt: prompt, enabled: enabled, pending: make(map[string]*Secret)}
}

func (s *PromptStore) Name() string { return string(CredBackendPrompt) }

func (s *PromptStore) Lookup(ctx context.Context, scope CredentialScope, kind string) (SecretHandle, error) {
	if s.prompt == nil || (s.enabled != nil && !s.enabled(scope.Host)) {
		return SecretHandle{}, ErrCredentialNotFound
	}
	target := NewSessionKey(scope.Host, scope.Username, defaultSSHPort)
	title := fmt.Sprintf("%s for %s@%s", promptLabel(kind), firstNonEmpty(target.Username, "(default user)"), target.Host)

	secret, err := s.prompt(ctx, title)
	if err != nil {
		return SecretHandle{}, err
	}
	if secret.Empty() {
		return SecretHandle{}, ErrCredentialNotFound
	}
	ref := uuid.NewString()
	s.mu.Lock()
	s.pending[ref] = secret
	s.mu.Unlock()
	return NewSecretHandle(s.Name(), scope, kind, ref), nil
}

// Open returns a copy of a prompted secret; the original stays until Release.
func (s *PromptStore) Open(_ context.Context, h SecretHandle) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.pending[h.Ref()]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return NewSecret(append([]byte(nil), secret.Bytes()...)), nil
}

// Release wipes a prompted secret.
func (s *PromptStore) Release(h SecretHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret, ok := s.pending[h.Ref()]; ok {
		secret.Wipe()
		delete(s.pending, h.Ref())
	}
}

func promptLabel(kind string) string {
	switch kind {
	case storeKindPassphrase:
		return "Key passphrase"
	case storeKindSudo:
		return "Sudo password"
	default:
		return "Password"
	}
}
