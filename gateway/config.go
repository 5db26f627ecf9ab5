package gateway

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	clamav "github.com/DevHatRo/clamav-gateway-go"
	"github.com/DevHatRo/clamav-gateway-go/internal/cache"
)

// Mode selects how the daemon is reached.
type Mode string

const (
	// ModeDocker reaches a clamd container over the container network.
	ModeDocker Mode = "docker"
	// ModeNativeTCP reaches a host-local clamd over TCP.
	ModeNativeTCP Mode = "native-tcp"
	// ModeNativeSocket reaches a host-local clamd over a Unix-domain socket.
	ModeNativeSocket Mode = "native-socket"
	// ModeDisabled turns scanning off.
	ModeDisabled Mode = "disabled"
)

// Fallback is the policy applied when the daemon is unreachable.
type Fallback string

const (
	FallbackAllow  Fallback = "allow"
	FallbackReject Fallback = "reject"
)

// Transfer selects how file content reaches the daemon.
type Transfer string

const (
	// TransferPath sends SCAN <path>; the daemon reads the file itself.
	TransferPath Transfer = "path"
	// TransferStream sends the file content with INSTREAM framing.
	TransferStream Transfer = "stream"
)

// Defaults.
const (
	DefaultHost          = "clamav"
	DefaultPort          = 3310
	DefaultSocketPath    = "/var/run/clamav/clamd.ctl"
	DefaultTimeout       = 30 * time.Second
	DefaultMaxFileSize   = 100 << 20
	DefaultQuarantineDir = "./quarantine"
)

// Config is the read-only configuration of a Gateway.
type Config struct {
	Enabled           bool
	Mode              Mode
	Host              string
	Port              int
	SocketPath        string
	Timeout           time.Duration
	MaxFileSize       int64
	QuarantinePath    string
	ScanOnUpload      bool
	RemoveInfected    bool
	NotifyOnInfection bool
	FallbackBehavior  Fallback
	ConnectionRetries int
	// FileTransfer defaults to stream in docker mode and path otherwise.
	FileTransfer Transfer
	// StrictResponses turns unrecognized daemon replies into ERROR instead of CLEAN.
	StrictResponses bool
	CacheTTL        time.Duration
	CacheCapacity   int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Mode:             ModeDocker,
		Host:             DefaultHost,
		Port:             DefaultPort,
		SocketPath:       DefaultSocketPath,
		Timeout:          DefaultTimeout,
		MaxFileSize:      DefaultMaxFileSize,
		QuarantinePath:   DefaultQuarantineDir,
		ScanOnUpload:     true,
		FallbackBehavior: FallbackAllow,
		CacheTTL:         cache.DefaultTTL,
		CacheCapacity:    cache.DefaultCapacity,
	}
}

// Disabled reports whether scanning is turned off.
func (c Config) Disabled() bool {
	return !c.Enabled || c.Mode == ModeDisabled
}

// Validate checks the configuration for values the gateway cannot run with.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeDocker, ModeNativeTCP, ModeNativeSocket, ModeDisabled:
	default:
		return clamav.NewValidationError(fmt.Sprintf("unknown mode: %q", c.Mode), nil)
	}
	switch c.FallbackBehavior {
	case FallbackAllow, FallbackReject:
	default:
		return clamav.NewValidationError(fmt.Sprintf("unknown fallback behavior: %q", c.FallbackBehavior), nil)
	}
	switch c.FileTransfer {
	case "", TransferPath, TransferStream:
	default:
		return clamav.NewValidationError(fmt.Sprintf("unknown file transfer: %q", c.FileTransfer), nil)
	}
	if c.MaxFileSize < 0 {
		return clamav.NewValidationError("max file size must not be negative", nil)
	}
	if c.ConnectionRetries < 0 {
		return clamav.NewValidationError("connection retries must not be negative", nil)
	}
	if c.Disabled() {
		return nil
	}

	if c.Timeout <= 0 {
		return clamav.NewValidationError("timeout must be positive", nil)
	}
	if strings.TrimSpace(c.QuarantinePath) == "" {
		return clamav.NewValidationError("quarantine path is required", nil)
	}
	if c.Mode == ModeNativeSocket {
		if strings.TrimSpace(c.SocketPath) == "" {
			return clamav.NewValidationError("socket path is required in native-socket mode", nil)
		}
		return nil
	}
	if strings.TrimSpace(c.Host) == "" {
		return clamav.NewValidationError("host is required", nil)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return clamav.NewValidationError(fmt.Sprintf("invalid port: %d", c.Port), nil)
	}
	return nil
}

// Endpoint returns the dial network and address for the configured mode.
func (c Config) Endpoint() (network, address string) {
	if c.Mode == ModeNativeSocket {
		return "unix", c.SocketPath
	}
	return "tcp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectionDescriptor describes where the daemon is expected, for display.
func (c Config) ConnectionDescriptor() string {
	if c.Disabled() {
		return "disabled"
	}
	network, address := c.Endpoint()
	return network + "://" + address
}

// Transfer returns the effective file transfer mode.
func (c Config) Transfer() Transfer {
	if c.FileTransfer != "" {
		return c.FileTransfer
	}
	if c.Mode == ModeDocker {
		return TransferStream
	}
	return TransferPath
}
