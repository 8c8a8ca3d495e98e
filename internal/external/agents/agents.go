// Package agents describes the locally installed coding-assistant CLIs that
// tasks can be delegated to, and routes task types to the right one.
package agents

import (
	"os/exec"
	"time"

	"foreman/internal/external/subprocess"
)

// lookPath is swapped out in tests to simulate installed binaries.
var lookPath = exec.LookPath

// Request carries everything an adapter needs to render one invocation.
type Request struct {
	Prompt     string
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration
	Stream     bool
	Tag        string
}

// Adapter knows how to detect and invoke one coding CLI.
type Adapter interface {
	// Name is the canonical agent name used in routing and task requests.
	Name() string
	// Detect resolves the installed binary, if any.
	Detect() (string, bool)
	// Command renders a one-shot invocation of the resolved binary.
	Command(binary string, req Request) subprocess.Config
}

// cliAdapter covers the common shape: a list of binary candidates and a flag
// layout for one-shot prompts.
type cliAdapter struct {
	name       string
	candidates []string
	buildArgs  func(prompt string) []string
	viaStdin   bool
}

func (a *cliAdapter) Name() string { return a.name }

func (a *cliAdapter) Detect() (string, bool) {
	for _, candidate := range a.candidates {
		if path, err := lookPath(candidate); err == nil {
			return path, true
		}
	}
	return "", false
}

func (a *cliAdapter) Command(binary string, req Request) subprocess.Config {
	config := subprocess.Config{
		Command:    binary,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Timeout:    req.Timeout,
		Stream:     req.Stream,
		Tag:        req.Tag,
	}
	if config.Tag == "" {
		config.Tag = a.name
	}
	if a.viaStdin {
		config.Args = a.buildArgs("")
		config.Stdin = req.Prompt
	} else {
		config.Args = a.buildArgs(req.Prompt)
	}
	return config
}

// Builtins returns the adapters for the CLIs this server knows how to drive.
// The noop adapters run plain shell commands and exist for local development
// and tests, where no real assistant is installed.
func Builtins() []Adapter {
	return []Adapter{
		&cliAdapter{
			name:       "claude",
			candidates: []string{"claude", "claude-code"},
			buildArgs: func(prompt string) []string {
				return []string{"-p", prompt, "--output-format", "text"}
			},
		},
		&cliAdapter{
			name:       "codex",
			candidates: []string{"codex"},
			buildArgs: func(prompt string) []string {
				return []string{"exec", prompt}
			},
		},
		&cliAdapter{
			name:       "gemini",
			candidates: []string{"gemini"},
			buildArgs: func(prompt string) []string {
				return []string{"-p", prompt}
			},
		},
		&cliAdapter{
			name:       "aider",
			candidates: []string{"aider"},
			buildArgs: func(prompt string) []string {
				return []string{"--message", prompt, "--yes"}
			},
		},
		&cliAdapter{
			name:       "noop-echo",
			candidates: []string{"echo"},
			buildArgs: func(prompt string) []string {
				return []string{prompt}
			},
		},
		&cliAdapter{
			name:       "noop-sleep",
			candidates: []string{"sh"},
			buildArgs: func(string) []string {
				return []string{"-c", "sleep 0.2; echo done"}
			},
		},
	}
}
