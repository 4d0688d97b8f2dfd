package runtime

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Mode selects the process model.
type Mode string

const (
	// ModeBase serves from the master process itself.
	ModeBase Mode = "base"
	// ModeProcess runs a manager process that supervises worker processes.
	ModeProcess Mode = "process"
)

// Transport selects the listening socket type.
type Transport string

const (
	TransportTCP        Transport = "tcp"
	TransportTCP6       Transport = "tcp6"
	TransportUDP        Transport = "udp"
	TransportUDP6       Transport = "udp6"
	TransportUnixStream Transport = "unix_stream"
	TransportUnixDgram  Transport = "unix_dgram"
)

// Datagram reports whether t is a datagram transport.
func (t Transport) Datagram() bool {
	return t == TransportUDP || t == TransportUDP6 || t == TransportUnixDgram
}

// Unix reports whether t listens on a socket path.
func (t Transport) Unix() bool {
	return t == TransportUnixStream || t == TransportUnixDgram
}

var (
	ErrInvalidPort      = errors.New("invalid port")
	ErrInvalidMode      = errors.New("invalid server mode")
	ErrInvalidTransport = errors.New("invalid transport")
	// ErrDatagramTransport is returned when a datagram transport is asked
	// to carry HTTP.
	ErrDatagramTransport = errors.New("datagram transports cannot serve HTTP")
)

// Options configures the runtime.
type Options struct {
	Host       string
	Port       int
	Mode       Mode
	Transport  Transport
	SocketPath string
	// Workers is the number of worker processes in process mode.
	Workers   int
	Daemonize bool
	// ShutdownTimeout bounds graceful HTTP shutdown in each serving process.
	ShutdownTimeout time.Duration
	// ReloadGrace is how long a replacement worker must stay up before the
	// worker it replaces is terminated during a rolling restart.
	ReloadGrace time.Duration
	// LogFile receives stdout and stderr of a daemonized master.
	LogFile string
	// Dir is the working directory of child processes.
	Dir string
	// Args re-executes the binary for child processes; defaults to
	// os.Args[1:].
	Args []string
}

// Validate checks the options the way a server factory would before
// creating any socket.
func (o Options) Validate() error {
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("%w: %d (want 1..65535)", ErrInvalidPort, o.Port)
	}
	switch o.Mode {
	case ModeBase, ModeProcess:
	default:
		return fmt.Errorf("%w: %q (want base or process)", ErrInvalidMode, o.Mode)
	}
	switch o.Transport {
	case TransportTCP, TransportTCP6, TransportUDP, TransportUDP6, TransportUnixStream, TransportUnixDgram:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, o.Transport)
	}
	if o.Transport.Unix() && o.SocketPath == "" {
		return fmt.Errorf("%w: %s needs a socket path", ErrInvalidTransport, o.Transport)
	}
	if o.Mode == ModeProcess && o.Workers < 1 {
		return fmt.Errorf("%w: process mode needs at least one worker", ErrInvalidMode)
	}
	return nil
}

// Address returns host:port, or the socket path for unix transports.
func (o Options) Address() string {
	if o.Transport.Unix() {
		return o.SocketPath
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) withDefaults() Options {
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.ReloadGrace <= 0 {
		o.ReloadGrace = time.Second
	}
	return o
}
