package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialerConfig holds configuration for the low-level TCP dialer.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	// NoDelay controls TCP_NODELAY.
	NoDelay  bool
	Resolver *net.Resolver
}

// NewDialerConfig returns the default dialer settings.
func NewDialerConfig() *DialerConfig {
	return &DialerConfig{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
		NoDelay:   true,
		Resolver:  net.DefaultResolver,
	}
}

// DialTCPContext establishes a direct TCP connection. Suitable for
// http.Transport.DialContext.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}
	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
		// Happy Eyeballs fallback between IPv6 and IPv4.
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(config.NoDelay); err != nil {
			_ = tcp.Close()
			return nil, fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	return conn, nil
}
