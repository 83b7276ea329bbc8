package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Scheme prefixes every endpoint string.
const Scheme = "ipc://"

var ErrInvalidEndpoint = errors.New("transport: invalid endpoint")

// EndpointForPath builds the endpoint string for a unix socket path.
func EndpointForPath(path string) string {
	return Scheme + path
}

// ParseEndpoint returns the socket path named by endpoint.
func ParseEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, Scheme) {
		return "", fmt.Errorf("%w: %q lacks %s prefix", ErrInvalidEndpoint, endpoint, Scheme)
	}
	path := strings.TrimPrefix(endpoint, Scheme)
	if path == "" || !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q must name an absolute socket path", ErrInvalidEndpoint, endpoint)
	}
	return path, nil
}

// Listen binds a unix socket at endpoint, replacing any stale socket file.
func Listen(endpoint string) (net.Listener, error) {
	path, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	return listener, nil
}

// Dial connects to endpoint, bounded by timeout when positive.
func Dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	path, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}
