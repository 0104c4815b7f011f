package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ssh-bootstrap/pkg/manager"
)

func newInterceptCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "intercept <typed line>",
		Short: "Handle a typed terminal line; exits 100 when it is not an ssh login",
		Long: `Handle a typed terminal line the way a shell hook would.

If the line is an interactive ssh invocation it is launched with stored
credentials injected. Otherwise the command exits with status 100 and the
caller should run the line itself.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath, true)
			if err != nil {
				return err
			}
			err = a.runLine(cmd.Context(), strings.Join(args, " "))
			if errors.Is(err, manager.ErrNotApplicable) {
				return &exitError{code: exitNotHandled}
			}
			if errors.Is(err, manager.ErrDuplicateConnection) {
				return &exitError{code: exitNotHandled, err: err}
			}
			return err
		},
	}
}

func newSSHCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ssh [ssh args...]",
		Short: "Drop-in ssh wrapper; falls back to the system ssh",
		Long: `Drop-in ssh wrapper. Lines that cannot be bootstrapped run the system ssh
unchanged.

Every invocation is its own process with its own session registry, so a
second "ssh-bootstrap ssh" for the same target from another terminal is not
detected as a duplicate. Hosts that need duplicate detection across
terminals should run one long-lived process and feed typed lines to it.`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath, true)
			if err != nil {
				return err
			}
			err = a.runLine(cmd.Context(), "ssh "+manager.ShellJoin(args))
			if errors.Is(err, manager.ErrNotApplicable) || errors.Is(err, manager.ErrDuplicateConnection) {
				return execSystemSSH(a.settings.SSHBinary, args)
			}
			return err
		},
	}
}

func newPlanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <typed line>",
		Short: "Show how a line would be launched, without connecting or prompting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath, false)
			if err != nil {
				return err
			}
			l := a.launcher()
			req, err := a.interceptor(l).Prepare(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				if errors.Is(err, manager.ErrNotApplicable) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "not applicable: the line runs unchanged")
					return nil
				}
				return err
			}

			out := cmd.OutOrStdout()
			in := req.Intent
			_, _ = fmt.Fprintf(out, "typed:     %s\n", in.RawCommand())
			_, _ = fmt.Fprintf(out, "target:    %s\n", in.Key())
			if req.Host.Configured {
				_, _ = fmt.Fprintf(out, "inventory: %s (login_mode=%s)\n", req.Host.Host.Name, req.Host.EffectiveLoginMode)
			}
			login := "none (ssh prompts)"
			if c := req.Credential; c != nil {
				login = fmt.Sprintf("%s from %s", c.Kind, c.Handle.Store())
			}
			_, _ = fmt.Fprintf(out, "login:     %s\n", login)
			elev := "none"
			if req.Elevation.Required {
				elev = fmt.Sprintf("%s, %d prompt(s), secret %s", req.Elevation.Method, req.Elevation.Prompts, yesNo(req.Elevation.HasSecret()))
			}
			_, _ = fmt.Fprintf(out, "elevation: %s\n", elev)
			argv := l.BuildArgv(req, req.Credential != nil, req.Elevation.HasSecret())
			_, _ = fmt.Fprintf(out, "argv:      %s\n", manager.ShellJoin(argv))
			return nil
		},
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func newCredCmd(configPath *string) *cobra.Command {
	cred := &cobra.Command{Use: "cred", Short: "Manage stored credentials"}

	var user, kind string
	var fromStdin bool
	bind := func(c *cobra.Command) {
		c.Flags().StringVar(&user, "user", "", "username the credential belongs to (empty: any user on the host)")
		c.Flags().StringVar(&kind, "kind", "password", "credential kind: password|passphrase|sudo")
	}
	store := func() (manager.WritableSecretStore, string, error) {
		a, err := loadApp(*configPath, false)
		if err != nil {
			return nil, "", err
		}
		k, err := manager.NormalizeStoreKind(kind)
		if err != nil {
			return nil, "", err
		}
		if a.writable == nil {
			b := manager.PlatformBackend()
			return nil, "", fmt.Errorf("no writable credential backend (%s); %s", manager.CredentialBackendLabel(b), manager.CredentialBackendHint(manager.CredBackendFile))
		}
		return a.writable, k, nil
	}

	set := &cobra.Command{
		Use:   "set <host>",
		Short: "Store a secret for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, k, err := store()
			if err != nil {
				return err
			}
			secret, err := readSecret(cmd.Context(), cmd.InOrStdin(), fromStdin, fmt.Sprintf("%s for %s", k, args[0]))
			if err != nil {
				return err
			}
			defer secret.Wipe()
			scope := manager.CredentialScope{Host: args[0], Username: user, Elevation: k == "sudo"}
			if err := w.Put(cmd.Context(), scope, k, secret.Bytes()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %s for %s in %s\n", k, args[0], w.Name())
			return nil
		},
	}
	bind(set)
	set.Flags().BoolVar(&fromStdin, "stdin", false, "read the secret from the first line of stdin")

	get := &cobra.Command{
		Use:   "get <host>",
		Short: "Check that a secret is stored (never prints it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath, false)
			if err != nil {
				return err
			}
			k, err := manager.NormalizeStoreKind(kind)
			if err != nil {
				return err
			}
			scope := manager.CredentialScope{Host: args[0], Username: user, Elevation: k == "sudo"}
			h, err := a.chain.Lookup(cmd.Context(), scope, k)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s for %s found in %s (account %s)\n", k, args[0], h.Store(), h.Scope().Account())
			return nil
		},
	}
	bind(get)

	del := &cobra.Command{
		Use:   "delete <host>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, k, err := store()
			if err != nil {
				return err
			}
			scope := manager.CredentialScope{Host: args[0], Username: user, Elevation: k == "sudo"}
			if err := w.Delete(cmd.Context(), scope, k); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s for %s from %s\n", k, args[0], w.Name())
			return nil
		},
	}
	bind(del)

	backend := &cobra.Command{
		Use:   "backend",
		Short: "Show the credential backends in use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(*configPath, false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			b := manager.PlatformBackend()
			_, _ = fmt.Fprintf(out, "platform: %s (%s)\n", manager.CredentialBackendLabel(b), manager.CredentialBackendHint(b))
			for _, s := range a.chain.Stores() {
				_, _ = fmt.Fprintf(out, "store:    %s\n", manager.CredentialBackendLabel(manager.CredentialBackendKind(s.Name())))
			}
			if a.writable == nil {
				_, _ = fmt.Fprintln(out, "writable: none")
			} else {
				_, _ = fmt.Fprintf(out, "writable: %s\n", a.writable.Name())
			}
			return nil
		},
	}

	cred.AddCommand(set, get, del, backend)
	return cred
}

// readSecret reads a secret from stdin or a masked terminal prompt.
func readSecret(ctx context.Context, in io.Reader, fromStdin bool, title string) (*manager.Secret, error) {
	if fromStdin {
		line, err := bufio.NewReader(in).ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			return nil, errors.New("empty secret")
		}
		return manager.NewSecret(line), nil
	}
	secret, err := manager.TerminalPrompt(0)(ctx, title)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func newLogsCmd() *cobra.Command {
	var lines int
	var dir string
	cmd := &cobra.Command{
		Use:   "logs <host>",
		Short: "Print the latest per-host log (SSHBOOT_HOST_LOGS=true enables them)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := manager.ListHostLogFiles(dir, manager.NormalizeHostFull(args[0]))
			if err != nil {
				return err
			}
			if len(files) == 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no logs for %s\n", args[0])
				return nil
			}
			out, err := manager.ReadLastNLines(files[0], lines)
			if err != nil {
				return err
			}
			for _, l := range out {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines")
	cmd.Flags().StringVar(&dir, "dir", "", "logs directory (default: <config dir>/logs)")
	return cmd
}

// newAskpassCmd is what ssh runs as SSH_ASKPASS. The prompt is the only
// argument; the answer goes to stdout.
func newAskpassCmd() *cobra.Command {
	return &cobra.Command{
		Use:    manager.AskpassArg + " [prompt]",
		Hidden: true,
		Args:   cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := ""
			if len(args) > 0 {
				prompt = args[0]
			}
			var (
				secret  []byte
				handled bool
			)
			if sock := os.Getenv(manager.EnvBroker); sock != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				secret, handled, _ = manager.RequestAskpass(ctx, sock, os.Getenv(manager.EnvToken), prompt)
				cancel()
			}
			if !handled {
				var err error
				if secret, err = manager.AskpassFallback(prompt); err != nil {
					return &exitError{code: 1, err: err}
				}
			}
			defer func() {
				for i := range secret {
					secret[i] = 0
				}
			}()
			if _, err := os.Stdout.Write(secret); err != nil {
				return err
			}
			_, err := os.Stdout.Write([]byte{'\n'})
			return err
		},
	}
}

// newNotifyCmd runs as ssh's LocalCommand once authentication succeeded.
// Failures are swallowed: LocalCommand output would land in the session.
func newNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:    manager.NotifyArg,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sock := os.Getenv(manager.EnvBroker)
			if sock == "" {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			_ = manager.NotifyActive(ctx, sock, os.Getenv(manager.EnvToken))
			return nil
		},
	}
}
