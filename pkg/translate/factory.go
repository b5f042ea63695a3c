package translate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EngineType represents the type of translation engine to use.
type EngineType string

const (
	// EngineLibreTranslate uses LibreTranslate as the backend.
	EngineLibreTranslate EngineType = "libretranslate"
	// EngineArgos uses an Argos Translate HTTP wrapper as the backend.
	EngineArgos EngineType = "argos"
	// EngineGoogle uses the keyless Google web endpoint.
	EngineGoogle EngineType = "google"
	// EngineSocket uses a translation worker on a Unix domain socket.
	EngineSocket EngineType = "socket"
	// EngineEcho returns every text unchanged.
	EngineEcho EngineType = "echo"
)

// Config holds configuration for creating a Translator instance.
type Config struct {
	// Engine specifies which translation engine to use.
	Engine EngineType
	// BaseURL is the base URL for HTTP engines. Each engine has its own default.
	BaseURL string
	// APIKey is sent to engines that accept one.
	APIKey string
	// Format is "text" or "html".
	Format string
	// Proxy routes HTTP engines through an http, https or socks5 proxy.
	Proxy string
	// Timeout bounds one outbound call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// SocketPath and SocketConns configure EngineSocket.
	SocketPath  string
	SocketConns int
	// Guard wraps the engine; a zero value adds no rate limit, no retries
	// and no breaker.
	Guard GuardConfig
	// Logger is the logger instance to use. If nil, a default logger is created.
	Logger *logrus.Logger
}

// NewTranslator creates the configured engine wrapped in a Guard.
func NewTranslator(cfg Config) (*Guard, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	base, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return NewGuard(base, string(cfg.Engine), cfg.Guard, cfg.Logger), nil
}

// NewBackend creates the bare engine described by cfg, without a Guard.
func NewBackend(cfg Config) (Translator, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	cfg.Logger.WithFields(logrus.Fields{
		"engine":   cfg.Engine,
		"base_url": cfg.BaseURL,
		"proxy":    cfg.Proxy != "",
		"timeout":  cfg.Timeout.String(),
	}).Debug("Creating translator instance")

	var base Translator
	switch cfg.Engine {
	case EngineLibreTranslate, EngineArgos, EngineGoogle:
		client, err := NewHTTPClient(cfg.Proxy, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		switch cfg.Engine {
		case EngineLibreTranslate:
			base = NewLibreTranslateClient(cfg.BaseURL, cfg.APIKey, cfg.Format, client, cfg.Logger)
		case EngineArgos:
			base = NewArgosClient(cfg.BaseURL, client, cfg.Logger)
		default:
			base = NewGoogleClient(cfg.BaseURL, client, cfg.Logger)
		}
	case EngineSocket:
		if cfg.Proxy != "" {
			return nil, fmt.Errorf("engine %s does not support a proxy", cfg.Engine)
		}
		sc, err := NewSocketClient(cfg.SocketPath, cfg.SocketConns, cfg.Timeout, cfg.Logger)
		if err != nil {
			return nil, err
		}
		base = sc
	case EngineEcho:
		base = Echo()
	default:
		cfg.Logger.WithFields(logrus.Fields{
			"engine": cfg.Engine,
		}).Error("Unknown translation engine")
		return nil, fmt.Errorf("unknown translation engine: %s", cfg.Engine)
	}

	return base, nil
}

// ProxyRouter hands out translators that reach the engine through a
// caller-chosen proxy. Every route shares one Guard, so the rate limit and
// circuit breaker cover proxied traffic as well. Routes are cached per proxy
// URL and keep their connection pool for the life of the router.
type ProxyRouter struct {
	cfg   Config
	guard *Guard

	mu     sync.Mutex
	routes map[string]*Guard
}

// NewProxyRouter creates a router for cfg's engine whose routes share guard.
func NewProxyRouter(cfg Config, guard *Guard) *ProxyRouter {
	return &ProxyRouter{
		cfg:    cfg,
		guard:  guard,
		routes: make(map[string]*Guard),
	}
}

// Translator returns the translator routed through proxy, building it on
// first use. An empty proxy returns the shared default.
func (r *ProxyRouter) Translator(proxy string) (Translator, error) {
	if proxy == "" {
		return r.guard, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if tr, ok := r.routes[proxy]; ok {
		return tr, nil
	}
	cfg := r.cfg
	cfg.Proxy = proxy
	base, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	tr := r.guard.With(base)
	r.routes[proxy] = tr
	return tr, nil
}

// Len returns the number of cached proxy routes.
func (r *ProxyRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// ParseEngineType parses a string into an EngineType.
// Returns an error if the string is not a valid engine type.
func ParseEngineType(s string) (EngineType, error) {
	switch e := EngineType(strings.ToLower(strings.TrimSpace(s))); e {
	case EngineLibreTranslate, EngineArgos, EngineGoogle, EngineSocket, EngineEcho:
		return e, nil
	default:
		return "", fmt.Errorf("unknown engine type: %s (supported: libretranslate, argos, google, socket, echo)", s)
	}
}
