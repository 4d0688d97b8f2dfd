package runtime

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Listen opens the listening socket described by o.
func Listen(o Options) (net.Listener, error) {
	if o.Transport.Datagram() {
		return nil, fmt.Errorf("%w: %s", ErrDatagramTransport, o.Transport)
	}

	switch o.Transport {
	case TransportTCP, TransportTCP6:
		ln, err := net.Listen(string(o.Transport), o.Address())
		if err != nil {
			return nil, fmt.Errorf("listen %s %s: %w", o.Transport, o.Address(), err)
		}
		return ln, nil

	case TransportUnixStream:
		if err := os.MkdirAll(filepath.Dir(o.SocketPath), 0o755); err != nil {
			return nil, fmt.Errorf("prepare socket directory: %w", err)
		}
		if err := removeStaleSocket(o.SocketPath); err != nil {
			return nil, err
		}
		ln, err := net.Listen("unix", o.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("listen unix %s: %w", o.SocketPath, err)
		}
		return ln, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidTransport, o.Transport)
}

// removeStaleSocket deletes a leftover socket file nobody listens on.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return fmt.Errorf("%s: address already in use", path)
	}
	return os.Remove(path)
}

// listenerFile duplicates the socket of ln so it can be passed to a child.
func listenerFile(ln net.Listener) (*os.File, error) {
	switch l := ln.(type) {
	case *net.TCPListener:
		return l.File()
	case *net.UnixListener:
		return l.File()
	}
	return nil, fmt.Errorf("cannot pass %T to a child process", ln)
}

// inheritedListener rebuilds the listener passed as fd 3.
func inheritedListener() (net.Listener, error) {
	f := os.NewFile(listenerFD, "listener")
	if f == nil {
		return nil, errors.New("no inherited listener")
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherited listener: %w", err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	return ln, nil
}
