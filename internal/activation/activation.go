// Package activation picks up listening sockets passed by systemd socket
// activation (sd_listen_fds protocol).
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// source abstracts the process environment for tests
type source struct {
	getenv   func(string) string
	unsetenv func(string) error
	pid      int
	file     func(fd int, name string) *os.File
}

func processSource() source {
	return source{
		getenv:   os.Getenv,
		unsetenv: os.Unsetenv,
		pid:      os.Getpid(),
		file: func(fd int, name string) *os.File {
			return os.NewFile(uintptr(fd), name)
		},
	}
}

// Listeners returns the systemd-activated listeners, or nil when the process
// was not socket activated.
func Listeners() ([]net.Listener, error) {
	return listeners(processSource())
}

// Listen returns the first activated listener, falling back to a TCP
// listener on addr. The bool reports whether the socket was activated.
func Listen(addr string) (net.Listener, bool, error) {
	return listen(processSource(), addr)
}

func listen(src source, addr string) (net.Listener, bool, error) {
	activated, err := listeners(src)
	if err != nil {
		return nil, false, err
	}
	if len(activated) > 0 {
		// Only one socket is served; close the rest
		for _, l := range activated[1:] {
			_ = l.Close()
		}
		return activated[0], true, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func listeners(src source) ([]net.Listener, error) {
	pidStr := src.getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != src.pid {
		return nil, nil
	}

	fdsStr := src.getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if v := src.getenv("LISTEN_FDNAMES"); v != "" {
		names = strings.Split(v, ":")
	}

	result := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		name := fmt.Sprintf("systemd-socket-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := src.file(fd, name)
		if file == nil {
			closeAll(result)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		l, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(result)
			return nil, fmt.Errorf("failed to create listener from fd %d (%s): %w", fd, name, err)
		}
		result = append(result, l)
	}

	// Child processes must not inherit the activation
	_ = src.unsetenv("LISTEN_PID")
	_ = src.unsetenv("LISTEN_FDS")
	_ = src.unsetenv("LISTEN_FDNAMES")

	return result, nil
}

func closeAll(ls []net.Listener) {
	for _, l := range ls {
		_ = l.Close()
	}
}
