package pty

import (
	"os"
	"os/exec"

	creackpty "github.com/creack/pty"
)

// LocalPTY wraps an *os.File pseudo-terminal obtained from
// github.com/creack/pty so it satisfies Resizer, letting host-routed
// sessions resize their window the same way SSH-routed ones do.
type LocalPTY struct {
	*os.File
}

// Resize implements Resizer via creack/pty's ioctl wrapper.
func (l LocalPTY) Resize(rows, cols int) error {
	return creackpty.Setsize(l.File, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// StartLocalShell starts cmd attached to a new PTY of the given size,
// returning a LocalPTY ready to hand to Pool.Acquire's spawn function.
func StartLocalShell(cmd *exec.Cmd, rows, cols int) (LocalPTY, error) {
	f, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return LocalPTY{}, err
	}
	return LocalPTY{File: f}, nil
}
