package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-jose/go-jose/v3"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"edgegate/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("EDGEGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "check" {
		command = "check"
		args = args[1:]
	}

	configFile := *configPath
	if configFile == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "check" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runCheck(ctx, cfg.JWKSURL(), logger, nil); err != nil {
			logger.Error("user pool check failed", "jwks_url", cfg.JWKSURL(), "error", err)
			os.Exit(1)
		}
		logger.Info("user pool check succeeded", "jwks_url", cfg.JWKSURL())
		return
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(startupCtx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init gateway: %v", err)
	}

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

// buildHandler wires verifier, token client, flow controller and origin proxy.
func buildHandler(ctx context.Context, cfg server.Config, logger *slog.Logger) (http.Handler, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	verifier, err := server.NewIDTokenVerifier(ctx, cfg, httpClient)
	if err != nil {
		return nil, fmt.Errorf("build verifier: %w", err)
	}
	tokens := server.NewTokenClient(cfg, httpClient, logger)

	metrics, err := server.NewMetrics(otel.GetMeterProvider().Meter("edgegate"))
	if err != nil {
		return nil, fmt.Errorf("build metrics: %w", err)
	}

	origin, err := server.NewProxyManager(cfg.Proxy, logger)
	if err != nil {
		return nil, fmt.Errorf("build proxy: %w", err)
	}

	flow := server.NewFlowController(cfg, verifier, tokens, logger, server.WithMetrics(metrics))
	return server.NewGateway(cfg, flow, origin, logger).Routes(), nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runCheck fetches the user pool's JWKS and requires at least one usable signing key.
func runCheck(ctx context.Context, jwksURL string, logger *slog.Logger, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return fmt.Errorf("create jwks request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	usable := 0
	for _, k := range set.Keys {
		if k.Valid() {
			usable++
			logger.Info("check.key", "kid", k.KeyID, "alg", k.Algorithm, "use", k.Use)
		}
	}
	if usable == 0 {
		return errors.New("jwks holds no usable keys")
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, os.Stdin, os.Stdout, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")

	if cfg.UserPool.JWKSFile == "" {
		if err := validateURL(ctx, cfg.JWKSURL()); err != nil {
			logger.Error("jwks URL validation failed", "url", cfg.JWKSURL(), "error", err)
		} else {
			logger.Info("jwks URL is accessible", "url", cfg.JWKSURL())
		}
	}

	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target); err != nil {
			logger.Error("proxy backend URL validation failed", "index", i, "host", route.Host, "target", route.Target, "error", err)
		} else {
			logger.Info("proxy backend URL is accessible", "host", route.Host, "target", route.Target)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	if cfg.UserPool.JWKSFile == "" {
		if err := validateURL(ctx, cfg.JWKSURL()); err != nil {
			logger.Warn("jwks URL may not be accessible",
				"url", cfg.JWKSURL(),
				"error", err,
				"note", "server will continue but every session will be treated as invalid")
		} else {
			logger.Info("jwks URL is accessible", "url", cfg.JWKSURL())
		}
	}

	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target); err != nil {
			logger.Warn("proxy backend URL may not be accessible",
				"index", i,
				"host", route.Host,
				"target", route.Target,
				"error", err,
				"note", "server will continue but proxy requests may fail")
		} else {
			logger.Debug("proxy backend URL is accessible", "host", route.Host, "target", route.Target)
		}
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := &prompter{in: bufio.NewReader(in), out: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for a user pool protected site. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.confirm("Run in development mode (plain HTTP, no certificates)?", true)
	if cfg.Server.DevMode {
		cfg.Server.DevListenAddr = p.text("Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		cfg.Server.TLS.Domains = []string{p.required("Public domain of the protected site (e.g. app.example.com)", hostOnly)}
		cfg.Server.TLS.Email = p.text("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.UserPool.ID = p.required("User pool ID (e.g. us-east-1_AbCdEf123)", userPoolID)
	cfg.UserPool.Region = p.text("User pool region", regionOf(cfg.UserPool.ID))
	cfg.UserPool.AppID = p.required("App client ID of the user pool", nil)
	cfg.UserPool.AppSecret = p.text("App client secret (leave empty for public clients)", "")
	cfg.UserPool.Domain = p.required("Hosted UI domain (e.g. auth.example.com)", hostOnly)

	cfg.ParseAuthPath = p.text("Callback path registered on the app client", "/parseauth")
	cfg.Server.SignInPath = p.text("Sign-in path", "/signin")
	cfg.Server.RefreshPath = p.text("Refresh path", "/refreshauth")
	cfg.Server.SignOutPath = p.text("Sign-out path", "/signout")

	if p.confirm("Protect the callback with a signed nonce and PKCE?", true) {
		cfg.CSRFProtection = &server.CSRFConfig{NonceSigningSecret: randomHex(32)}
	}

	if target := p.text("Origin URL to forward signed-in requests to", "http://127.0.0.1:3000"); target != "" {
		cfg.Proxy.Routes = []server.ProxyRoute{{Host: server.CatchAllHost, Target: target, PreserveHost: true}}
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created",
		"path", path,
		"user_pool", cfg.UserPool.ID,
		"app_id", cfg.UserPool.AppID,
		"callback", cfg.ParseAuthPath,
		"csrf", cfg.CSRFEnabled())

	return server.LoadConfig(path)
}

// prompter reads setup answers line by line. On EOF every prompt takes its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) line() (string, bool) {
	input, err := p.in.ReadString('\n')
	return strings.TrimSpace(input), err == nil
}

func (p *prompter) text(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	if input, _ := p.line(); input != "" {
		return input
	}
	return strings.TrimSpace(def)
}

// required asks until a non-empty answer passes normalize. A nil normalize accepts any value.
func (p *prompter) required(prompt string, normalize func(string) (string, error)) string {
	for {
		fmt.Fprintf(p.out, "%s: ", prompt)
		input, more := p.line()
		if input != "" {
			if normalize == nil {
				return input
			}
			v, err := normalize(input)
			if err == nil {
				return v
			}
			fmt.Fprintf(p.out, "%v.\n", err)
		} else {
			fmt.Fprintln(p.out, "This value is required.")
		}
		if !more {
			return ""
		}
	}
}

func (p *prompter) confirm(prompt string, def bool) bool {
	label := "Y/n"
	if !def {
		label = "y/N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, label)
		input, more := p.line()
		switch strings.ToLower(input) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !more {
			return def
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

// userPoolID accepts "<region>_<id>".
func userPoolID(v string) (string, error) {
	region, id, ok := strings.Cut(v, "_")
	if !ok || region == "" || id == "" || strings.ContainsAny(v, " /:") {
		return "", fmt.Errorf("user pool IDs look like us-east-1_AbCdEf123")
	}
	return v, nil
}

// regionOf returns the region prefix of a user pool ID.
func regionOf(poolID string) string {
	region, _, ok := strings.Cut(poolID, "_")
	if !ok || region == "" {
		return "us-east-1"
	}
	return region
}

// hostOnly strips a scheme and trailing slash from a host answer.
func hostOnly(v string) (string, error) {
	if i := strings.Index(v, "://"); i >= 0 {
		v = v[i+3:]
	}
	v = strings.TrimSuffix(v, "/")
	if v == "" || strings.ContainsAny(v, "/ ") {
		return "", fmt.Errorf("enter a host name such as auth.example.com")
	}
	return v, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
