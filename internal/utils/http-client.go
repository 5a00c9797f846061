package utils

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"golang.org/x/oauth2"
)

type ProxyMode string

const (
	ProxyFromEnvironment ProxyMode = "auto"
	ProxyOff             ProxyMode = "off"
	ProxyCustom          ProxyMode = "custom"
)

// HTTPClientConfig carries the connection parameters the transfer engine
// treats as opaque.
type HTTPClientConfig struct {
	Timeout        time.Duration
	KATimeout      time.Duration
	ProxyMode      ProxyMode
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	BearerToken    string
	Headers        map[string]string
	HighThreadMode bool // advanced socket options for high concurrency
}

// HTTPDoer is the only capability the engine needs from the HTTP stack.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type SplitfetchHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *SplitfetchHTTPClient {
	log := GetLogger("http-client")
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	if cfg.ProxyURL != "" && cfg.ProxyMode == "" {
		cfg.ProxyMode = ProxyCustom
	}
	// Range belongs to the transfer engine; a user value would override chunk bounds.
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if http.CanonicalHeaderKey(k) == "Range" {
			log.Warn().Str("header", k).Msg("Ignoring custom Range header")
			continue
		}
		headers[k] = v
	}
	cfg.Headers = headers
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			var tuneErr error
			err := c.Control(func(fd uintptr) {
				tuneErr = tuneSocket(fd)
			})
			if tuneErr != nil {
				log.Debug().Err(tuneErr).Str("op", "dial").Str("addr", address).Msg("Socket tuning incomplete")
			}
			return err
		}
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		IdleConnTimeout:       cfg.KATimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		TLSHandshakeTimeout:   15 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true, // byte offsets must refer to the raw entity
	}
	switch cfg.ProxyMode {
	case ProxyOff:
		transport.Proxy = nil
	case ProxyCustom:
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil || cfg.ProxyURL == "" {
			log.Error().Err(err).Str("proxy", cfg.ProxyURL).Msg("Invalid proxy URL, proceeding without proxy")
			break
		}
		if cfg.ProxyUsername != "" {
			if cfg.ProxyPassword != "" {
				proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
			} else {
				proxyURL.User = url.User(cfg.ProxyUsername)
			}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		log.Debug().Str("proxy", proxyURL.Redacted()).Msg("Using proxy for connections")
	default:
		transport.Proxy = http.ProxyFromEnvironment
	}

	var rt http.RoundTripper = transport
	if cfg.BearerToken != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}),
			Base:   transport,
		}
	}
	return &SplitfetchHTTPClient{
		// No client-level timeout: chunk bodies may legitimately stream for a long time.
		client: &http.Client{Transport: rt},
		config: cfg,
	}
}

func (c *SplitfetchHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}
