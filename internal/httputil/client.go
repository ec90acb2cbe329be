// Package httputil builds the HTTP clients handed to provider SDKs.
package httputil

import (
	"net"
	"net/http"
	"time"
)

type ClientConfig struct {
	// Timeout bounds the whole exchange including reading the body. Provider
	// clients leave it at zero and bound each attempt through the request
	// context instead, so long streams are not cut off.
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// ProviderConfig is DefaultConfig without an overall timeout. Header wait is
// capped at attemptTimeout when that is shorter than the default.
func ProviderConfig(attemptTimeout time.Duration) ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	if attemptTimeout > 0 && attemptTimeout < cfg.ResponseHeaderTimeout {
		cfg.ResponseHeaderTimeout = attemptTimeout
	}
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func DefaultClient() *http.Client {
	return NewClient(DefaultConfig())
}
