package manager

import (
	"context"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// ElevationMethod is how privileges are raised after login.
type ElevationMethod string

const (
	ElevationNone       ElevationMethod = "none"
	ElevationSudoInline ElevationMethod = "sudoInline"
	ElevationSuPrompt   ElevationMethod = "suPrompt"
)

// ElevationPlan is derived per launch and discarded afterwards.
type ElevationPlan struct {
	Required bool
	Method   ElevationMethod

	// Secret is the elevation secret reference, nil when nothing could be
	// resolved; the user then answers the elevation prompt.
	Secret *SecretHandle

	// Prompts is how many elevation prompts are expected (one per elevated
	// command).
	Prompts int
}

// HasSecret reports whether an elevation secret will be injected.
func (p ElevationPlan) HasSecret() bool {
	return p.Required && p.Secret != nil && p.Secret.Valid()
}

// ElevationPolicy carries per-host settings that shape the plan.
type ElevationPolicy struct {
	// UsesLogin reuses the login password as the elevation secret.
	UsesLogin bool
	// Windows targets never get elevation.
	Windows bool
	// StartupCommands are typed after login for interactive sessions.
	StartupCommands []string
	// ScopeHost is the credential scope host when it differs from the
	// connection host (inventory aliases).
	ScopeHost string
}

// DetectElevation looks at the first word of a command only: sudo and su are
// the explicit signals.
func DetectElevation(words []string) ElevationMethod {
	if len(words) == 0 {
		return ElevationNone
	}
	switch path.Base(words[0]) {
	case "sudo":
		return ElevationSudoInline
	case "su":
		return ElevationSuPrompt
	default:
		return ElevationNone
	}
}

// commandWords splits a configured command for detection. Lines the shell
// tokenizer refuses fall back to whitespace splitting.
func commandWords(cmd string) []string {
	words, _, err := splitShellWords(cmd)
	if err != nil {
		return strings.Fields(cmd)
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, w.text)
	}
	return out
}

// ElevationPlanner decides whether a launch needs an elevation step.
type ElevationPlanner struct {
	resolver *Resolver
	log      logrus.FieldLogger
}

func NewElevationPlanner(resolver *Resolver, log logrus.FieldLogger) *ElevationPlanner {
	return &ElevationPlanner{resolver: resolver, log: log}
}

// Detect derives the elevation step from explicit signals only: the remote
// command, or for interactive sessions the configured startup commands. It
// never resolves a secret.
func (p *ElevationPlanner) Detect(intent ConnectionIntent, policy ElevationPolicy) ElevationPlan {
	plan := ElevationPlan{Method: ElevationNone}
	if policy.Windows {
		return plan
	}

	if remote := intent.RemoteShellCommand(); remote != "" {
		plan.Method = DetectElevation(commandWords(remote))
		if plan.Method != ElevationNone {
			plan.Prompts = 1
		}
	} else {
		for _, c := range policy.StartupCommands {
			m := DetectElevation(commandWords(c))
			if m == ElevationNone {
				continue
			}
			if plan.Method == ElevationNone {
				plan.Method = m
			}
			plan.Prompts++
		}
	}
	plan.Required = plan.Method != ElevationNone
	return plan
}

// Plan runs Detect and attaches the elevation secret. A missing elevation
// secret still yields Required=true.
func (p *ElevationPlanner) Plan(ctx context.Context, intent ConnectionIntent, cred *Credential, policy ElevationPolicy) ElevationPlan {
	plan := p.Detect(intent, policy)
	if !plan.Required {
		return plan
	}

	fields := logrus.Fields{"host": intent.Host(), "user": intent.Username(), "port": intent.Port(), "method": string(plan.Method)}
	if policy.UsesLogin && cred != nil && cred.Present() && cred.Kind == CredentialPassword {
		h := cred.Handle
		plan.Secret = &h
		p.log.WithFields(fields).Debug("elevation reuses login credential")
		return plan
	}
	if p.resolver == nil {
		return plan
	}
	scopeHost := policy.ScopeHost
	if scopeHost == "" {
		scopeHost = intent.Host()
	}
	ec, err := p.resolver.ResolveElevation(ctx, scopeHost, intent.Username())
	if err != nil {
		p.log.WithFields(fields).WithError(err).Info("no elevation credential; elevation prompt left to the user")
		return plan
	}
	h := ec.Handle
	plan.Secret = &h
	return plan
}
