//go:build linux || darwin

package cancel

import "golang.org/x/sys/unix"

// enableCbreak turns off line buffering and echo on the terminal fd and
// returns a function restoring the previous settings. Output processing and
// signal keys are untouched, so log lines keep their line endings and Ctrl+C
// still raises SIGINT.
func enableCbreak(fd int) (func() error, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, err
	}

	cbreak := *old
	cbreak.Lflag &^= unix.ICANON | unix.ECHO
	cbreak.Cc[unix.VMIN] = 1
	cbreak.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &cbreak); err != nil {
		return nil, err
	}

	return func() error {
		return unix.IoctlSetTermios(fd, ioctlSetTermios, old)
	}, nil
}
