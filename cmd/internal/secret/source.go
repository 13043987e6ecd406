package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a signing secret from an environment variable, a
// file, or by prompting the operator. The value is cached after the first
// successful retrieval so repeated calls reuse the same secret.
//
// Resolved values are trimmed of surrounding whitespace so a trailing newline
// in a secret file or shell export cannot silently change the signature a
// client computes.
type Source struct {
	envVar string
	file   string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a secret source that checks envVar, then file, before
// interactively prompting on the terminal.
func NewSource(envVar, file string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), file: strings.TrimSpace(file)}
}

// Get returns the cached secret or resolves it if this is the first call.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				trimmed := strings.TrimSpace(value)
				if trimmed == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = trimmed
				return
			}
		}

		if s.file != "" {
			data, err := os.ReadFile(s.file)
			if err != nil {
				s.err = fmt.Errorf("read secret file: %w", err)
				return
			}
			trimmed := strings.TrimSpace(string(data))
			if trimmed == "" {
				s.err = fmt.Errorf("secret file %s is empty", s.file)
				return
			}
			s.value = trimmed
			return
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("signing secret required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("signing secret required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter signing secret: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read secret: %w", err)
			return
		}

		value := strings.TrimSpace(string(bytes))
		if value == "" {
			s.err = errors.New("signing secret cannot be empty")
			return
		}

		s.value = value
	})

	return s.value, s.err
}
