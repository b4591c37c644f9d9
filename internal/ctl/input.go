package ctl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword and isTerminal are test seams over x/term.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

var errPasswordMismatch = errors.New("passwords do not match")

// GetPassword reads a password without echo when stdin is a terminal, or a
// single line from in otherwise. With confirm set the password is asked for
// twice. The caller should wipe the returned slice.
func (a *App) GetPassword(prompt string, confirm bool) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		line, err := a.in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}

	pw, err := a.prompt(fd, prompt)
	if err != nil || !confirm {
		return pw, err
	}
	again, err := a.prompt(fd, "Repeat password: ")
	if err != nil {
		return nil, err
	}
	if string(again) != string(pw) {
		return nil, errPasswordMismatch
	}
	return pw, nil
}

func (a *App) prompt(fd int, prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(a.errOut, prompt); err != nil {
		return nil, err
	}
	pw, err := readPassword(fd)
	fmt.Fprintln(a.errOut)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func newReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}
