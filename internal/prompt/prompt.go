// Package prompt implements vault.Prompter on a terminal.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/jmcleod/ironkey/internal/util"
	"github.com/jmcleod/ironkey/vault"
)

// ErrMismatch is returned when a new password and its repetition differ too
// many times.
var ErrMismatch = errors.New("passwords do not match")

const maxRepeatAttempts = 3

// Terminal prompts on in/out. Passwords are read without echo when in is a
// terminal and as plain lines otherwise.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer

	fd           int
	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
}

var _ vault.Prompter = (*Terminal)(nil)

// New returns a Terminal reading from in and writing prompts to out.
func New(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{
		in:           bufio.NewReader(in),
		out:          out,
		fd:           -1,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
	if f, ok := in.(*os.File); ok {
		t.fd = int(f.Fd())
	}
	return t
}

// Stdio returns a Terminal on stdin, prompting on stderr so stdout stays
// clean for command output.
func Stdio() *Terminal {
	return New(os.Stdin, os.Stderr)
}

func (t *Terminal) tty() bool {
	return t.fd >= 0 && t.isTerminal(t.fd)
}

// Line prints prompt and returns one trimmed line of input. A final line
// without newline is returned as is.
func (t *Terminal) Line(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := fmt.Fprint(t.out, prompt); err != nil {
		return "", err
	}
	line, err := t.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Secret prints prompt and reads a value without echo.
func (t *Terminal) Secret(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !t.tty() {
		return t.lineKeepSpaces(prompt)
	}
	if _, err := fmt.Fprint(t.out, prompt); err != nil {
		return "", err
	}
	pw, err := t.readPassword(t.fd)
	fmt.Fprintln(t.out)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(pw)
	return string(pw), nil
}

// lineKeepSpaces reads a line for a piped password. Only the line ending is
// stripped; passwords may begin or end with spaces.
func (t *Terminal) lineKeepSpaces(prompt string) (string, error) {
	if _, err := fmt.Fprint(t.out, prompt); err != nil {
		return "", err
	}
	line, err := t.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func label(mode vault.PromptMode) string {
	switch mode {
	case vault.PromptCurrent:
		return "Current master password: "
	case vault.PromptNew:
		return "New master password: "
	default:
		return "Master password: "
	}
}

// PromptMasterPassword reads a master password. An empty answer or end of
// input cancels. New passwords are asked twice.
func (t *Terminal) PromptMasterPassword(ctx context.Context, mode vault.PromptMode) (string, bool, error) {
	for range maxRepeatAttempts {
		pw, err := t.Secret(ctx, label(mode))
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if pw == "" {
			return "", false, nil
		}
		if mode != vault.PromptNew {
			return pw, true, nil
		}

		again, err := t.Secret(ctx, "Repeat new master password: ")
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if again == pw {
			return pw, true, nil
		}
		fmt.Fprintln(t.out, "Passwords do not match. Try again.")
	}
	return "", false, ErrMismatch
}

// Confirm asks a yes/no question. Anything but "y" or "yes" is no.
func (t *Terminal) Confirm(ctx context.Context, message string) (bool, error) {
	answer, err := t.Line(ctx, message+" [y/N]: ")
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// ShowRecoveryKeyOnce prints the recovery key and waits for Enter.
func (t *Terminal) ShowRecoveryKeyOnce(ctx context.Context, recoveryKeyText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(t.out, `
Your recovery key:

    %s

It is shown only this once. Store it somewhere safe: it is the only way to
regain access if you forget your master password.

`, recoveryKeyText)
	if err != nil {
		return err
	}
	_, err = t.Line(ctx, "Press Enter once you have stored it.")
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
