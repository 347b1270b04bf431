// Package network builds the HTTP clients used to talk to remote services
// such as the CAPTCHA solver.
package network

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/observability"
)

const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 20 * time.Second
	DefaultRequestTimeout        = 30 * time.Second

	// A run talks to one solver host at a time.
	DefaultMaxIdleConns        = 10
	DefaultMaxIdleConnsPerHost = 2
	DefaultMaxConnsPerHost     = 4
	DefaultIdleConnTimeout     = 60 * time.Second
)

// ClientConfig holds the configuration for the HTTP client and transport layers.
type ClientConfig struct {
	TLSConfig *tls.Config

	RequestTimeout        time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	DialerConfig *DialerConfig

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	ForceHTTP2 bool

	// RequestsPerSecond paces outgoing requests. Zero or less disables pacing.
	RequestsPerSecond float64

	Logger *zap.Logger
}

// Client wraps http.Client so it can be used as a drop-in replacement.
// The caller must close every Response.Body.
type Client struct {
	*http.Client
}

// NewDefaultClientConfig returns settings suitable for a low-volume API client.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DialerConfig:          NewDialerConfig(),
		RequestTimeout:        DefaultRequestTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceHTTP2:            true,
		Logger:                observability.GetLogger().Named("httpclient"),
	}
}

// ClientConfigForSolver derives client settings from the remote solver config.
func ClientConfigForSolver(cfg config.RemoteSolverConfig, logger *zap.Logger) *ClientConfig {
	c := NewDefaultClientConfig()
	if cfg.RequestTimeout > 0 {
		c.RequestTimeout = cfg.RequestTimeout
	}
	c.RequestsPerSecond = cfg.RequestsPerSecond
	if logger != nil {
		c.Logger = logger.Named("httpclient")
	}
	return c
}

// NewHTTPTransport creates an http.Transport from config.
func NewHTTPTransport(config *ClientConfig) *http.Transport {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.DialerConfig == nil {
		config.DialerConfig = NewDialerConfig()
	}

	tlsConfig := configureTLS(config)
	dialerConfig := *config.DialerConfig

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialTCPContext(ctx, network, addr, &dialerConfig)
		},
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     config.ForceHTTP2,
		Proxy:                 http.ProxyFromEnvironment,
	}

	if config.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			config.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}
	return transport
}

// NewClient creates the client wrapper. Redirects are not followed.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = NewDefaultClientConfig()
	}

	var rt http.RoundTripper = NewHTTPTransport(config)
	if config.RequestsPerSecond > 0 {
		rt = &pacedTransport{
			base:    rt,
			limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		}
	}

	return &Client{Client: &http.Client{
		Transport: rt,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// pacedTransport waits on a token bucket before every request.
type pacedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

func configureTLS(config *ClientConfig) *tls.Config {
	if config.TLSConfig != nil {
		return config.TLSConfig.Clone()
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
	}
}
