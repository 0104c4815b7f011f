package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ssh-bootstrap/pkg/manager"
)

// exitNotHandled tells a wrapping shell hook to run the line itself.
const exitNotHandled = 100

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
			err = ee.err
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "ssh-bootstrap: %v\n", err)
		}
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ssh-bootstrap",
		Short:         "Launch ssh with stored credentials and elevation injected out of band",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "hosts.yaml path (default: $SSHBOOT_CONFIG or XDG config dir)")

	root.AddCommand(newInterceptCmd(&configPath))
	root.AddCommand(newSSHCmd(&configPath))
	root.AddCommand(newPlanCmd(&configPath))
	root.AddCommand(newCredCmd(&configPath))
	root.AddCommand(newLogsCmd())
	root.AddCommand(newAskpassCmd())
	root.AddCommand(newNotifyCmd())
	return root
}

// app is the per-process wiring of the pipeline. There is exactly one
// registry per process.
type app struct {
	settings manager.Settings
	cfg      *manager.Config
	log      *logrus.Logger
	chain    *manager.ChainStore
	writable manager.WritableSecretStore
	registry *manager.Registry
	resolver *manager.Resolver
}

// loadApp wires the pipeline. interactive enables the masked terminal prompt
// as the last credential store.
func loadApp(configPath string, interactive bool) (*app, error) {
	settings, err := manager.LoadSettings()
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = settings.Config
	}
	log := manager.NewLogger(settings)

	cfg, _, err := manager.LoadConfig(configPath)
	switch {
	case errors.Is(err, manager.ErrConfigNotFound):
		cfg = &manager.Config{}
	case err != nil:
		return nil, err
	}

	var prompt *manager.PromptStore
	if interactive {
		prompt = manager.NewPromptStore(manager.TerminalPrompt(settings.CredentialTimeout), func(host string) bool {
			return settings.PromptMissing || cfg.Lookup(host).Prompts()
		})
	}
	chain, writable := manager.BuildSecretStores(settings, prompt, log)

	registry := manager.NewRegistry()
	registry.OnTransition(func(rec manager.SessionRecord, from manager.SessionState) {
		log.WithFields(logrus.Fields{
			"session": rec.ID,
			"host":    rec.Key.Host,
			"user":    rec.Key.Username,
			"port":    rec.Key.Port,
			"state":   string(rec.State),
		}).Debugf("session %s -> %s", firstState(from), rec.State)
	})

	return &app{
		settings: settings,
		cfg:      cfg,
		log:      log,
		chain:    chain,
		writable: writable,
		registry: registry,
		resolver: manager.NewResolver(chain, settings.CredentialTimeout, log),
	}, nil
}

func firstState(s manager.SessionState) string {
	if s == "" {
		return "new"
	}
	return string(s)
}

func (a *app) launcher() *manager.Launcher {
	return manager.NewLauncher(a.registry, a.chain, manager.LauncherOptions{
		SSHBinary: a.settings.SSHBinary,
		Transport: manager.PTYTransport{SizeFrom: os.Stdout},
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
	}, a.log)
}

func (a *app) interceptor(l *manager.Launcher) *manager.Interceptor {
	opts := manager.InterceptorOptions{
		Config:   a.cfg,
		Resolver: a.resolver,
		Launcher: l,
	}
	if a.settings.ResolveSSHConfig {
		opts.SSHConfig = manager.SSHConfigResolver(a.settings.SSHBinary)
	}
	return manager.NewInterceptor(opts, a.log)
}

// runLine launches line and supervises it on this terminal. It returns
// manager.ErrNotApplicable when the line is not ours to handle.
func (a *app) runLine(ctx context.Context, line string) error {
	ic := a.interceptor(a.launcher())

	s, err := ic.Start(ctx, line)
	if err != nil {
		return err
	}
	restore := enterRawMode()
	defer restore()
	if ptmx, ok := s.PTY(); ok {
		startPTYResizeWatcher(ptmx)
	}
	stop := closeOnSignal(s)
	defer stop()

	res := s.Wait()
	if res.Err != nil {
		restore()
		return &exitError{code: 255, err: res.Err}
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

// execSystemSSH replaces the process with the real ssh client.
func execSystemSSH(binary string, args []string) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("command not found: %s", binary)
	}
	return execReplace(path, append([]string{binary}, args...))
}
