package client

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

func newBaseTransport(settings *config.ServerSettings) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	maxIdle := settings.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 20
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	if settings.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return transport
}

// buildTransportChain stacks the middleware onto the base transport. From
// the outside in: retry, rate limiter, breaker, base. The limiter sits
// inside retry so a retried request pays for a fresh token; the breaker sits
// closest to the wire so it sees real transport outcomes.
func buildTransportChain(settings *config.ServerSettings, metrics MetricsCollector) (*retryTransport, *RateLimiter, *Breaker) {
	var transport http.RoundTripper = newBaseTransport(settings)

	var breaker *Breaker
	if settings.Breaker.Enabled {
		breaker = NewBreaker(&settings.Breaker)
		transport = &breakerTransport{
			next:    transport,
			breaker: breaker,
			metrics: metrics,
		}
	}

	var rateLimiter *RateLimiter
	if settings.RateLimit.RequestsPerSecond > 0 {
		rateLimiter = NewRateLimiter(&settings.RateLimit)
		transport = &rateLimiterTransport{
			next:        transport,
			rateLimiter: rateLimiter,
			metrics:     metrics,
		}
	}

	return newRetryTransport(&settings.Retry, transport), rateLimiter, breaker
}
