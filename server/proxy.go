package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// CatchAllHost routes every host without a more specific route.
const CatchAllHost = "*"

// ProxyManager forwards authenticated requests to origins based on the Host header.
type ProxyManager struct {
	routes map[string]*httputil.ReverseProxy
	logger *slog.Logger
}

// NewProxyManager creates a proxy manager from configuration.
func NewProxyManager(cfg ProxyConfig, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{
		routes: make(map[string]*httputil.ReverseProxy),
		logger: logger,
	}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.Host, err)
		}
	}

	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Target == "" {
		return fmt.Errorf("target is required")
	}

	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalHost := req.Host
		originalDirector(req)

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", originalHost)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"host", cfg.Host,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	host := strings.ToLower(cfg.Host)
	pm.routes[host] = proxy
	pm.logger.Info("proxy route added",
		"host", host,
		"target", cfg.Target,
		"preserve_host", cfg.PreserveHost,
	)

	return nil
}

// ServeHTTP forwards r to the origin registered for its host, falling back to the catch-all.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(hostWithoutPort(r.Host))

	proxy, ok := pm.routes[host]
	if !ok {
		proxy, ok = pm.routes[CatchAllHost]
	}
	if !ok {
		pm.logger.Debug("no proxy route for host", "host", host, "path", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	pm.logger.Debug("proxying request", "host", host, "path", r.URL.Path, "method", r.Method)
	proxy.ServeHTTP(w, r)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
