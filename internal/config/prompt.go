package config

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// TerminalPrompt returns a PasswordPrompt that reads from in without echo and
// writes the prompt to out. It returns nil when in is not a terminal, so
// piped input never blocks on a prompt.
func TerminalPrompt(in *os.File, out io.Writer) PasswordPrompt {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}
}
