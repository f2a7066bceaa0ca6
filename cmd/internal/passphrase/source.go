// Package passphrase resolves the wallet keystore passphrase for zeppayd.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a passphrase from an environment variable or, failing that, a terminal
// prompt. The first result is cached.
type Source struct {
	envVar string
	label  string

	lookupEnv  func(string) (string, bool)
	isTerminal func() bool
	read       func() ([]byte, error)
	prompt     io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting for the passphrase of the named keystore.
func NewSource(envVar, label string) *Source {
	if strings.TrimSpace(label) == "" {
		label = "wallet"
	}
	fd := int(os.Stdin.Fd())
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		label:      label,
		lookupEnv:  os.LookupEnv,
		isTerminal: func() bool { return term.IsTerminal(fd) },
		read:       func() ([]byte, error) { return term.ReadPassword(fd) },
		prompt:     os.Stderr,
	}
}

// Get returns the passphrase. A set but blank variable is an error, as is a blank prompt
// answer.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		s.value, s.err = s.ask(fmt.Sprintf("Enter %s keystore passphrase: ", s.label))
	})
	return s.value, s.err
}

// Confirm prompts twice and requires both answers to match. Used when creating a keystore.
func (s *Source) Confirm() (string, error) {
	if s.envVar != "" {
		if _, ok := s.lookupEnv(s.envVar); ok {
			return s.Get()
		}
	}
	first, err := s.ask(fmt.Sprintf("New %s keystore passphrase: ", s.label))
	if err != nil {
		return "", err
	}
	second, err := s.ask("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

func (s *Source) ask(prompt string) (string, error) {
	if !s.isTerminal() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s keystore passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s keystore passphrase required and no terminal available", s.label)
	}
	fmt.Fprint(s.prompt, prompt)
	raw, err := s.read()
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", fmt.Errorf("%s keystore passphrase cannot be empty", s.label)
	}
	return string(raw), nil
}
