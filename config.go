package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"gopkg.in/yaml.v3"

	"github.com/mqttforge/broker/internal/auth"
	"github.com/mqttforge/broker/internal/session"
	"github.com/mqttforge/broker/internal/store"
	"github.com/mqttforge/broker/internal/transport"
)

// ListenerConfig describes one address this broker should accept
// connections on.
type ListenerConfig struct {
	Kind     string `yaml:"kind"` // "tcp", "tls", "ws", "wss"
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// PersistenceConfig selects and configures the Message Store backend.
type PersistenceConfig struct {
	// Backend is "memory" (default) or "badger".
	Backend string `yaml:"backend"`
	// Dir is the badger data directory, used only when Backend == "badger".
	Dir string `yaml:"dir,omitempty"`
}

// AuthConfig selects the authorize boundary.
type AuthConfig struct {
	// Mode is "allow_all" (default) or "password_file".
	Mode         string `yaml:"mode"`
	PasswordFile string `yaml:"password_file,omitempty"`
}

// BrokerConfig is the broker's on-disk configuration, loaded from YAML via
// LoadConfig. It mirrors the teacher's own client-side options (keep-alive
// defaults, receive-maximum default, topic/payload ceilings) but at
// process-construction granularity rather than per-dial.
type BrokerConfig struct {
	Listeners []ListenerConfig `yaml:"listeners"`

	MaxIncomingPacket int `yaml:"max_incoming_packet,omitempty"`
	PendingQueueLimit int `yaml:"pending_queue_limit,omitempty"`

	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds,omitempty"`

	Limits struct {
		MaxTopicLength int `yaml:"max_topic_length,omitempty"`
		MaxPayloadSize int `yaml:"max_payload_size,omitempty"`
	} `yaml:"limits,omitempty"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Auth        AuthConfig        `yaml:"auth"`
}

// LoadConfig reads and parses a BrokerConfig from a YAML file at path.
func LoadConfig(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("broker: read config %s: %w", path, err)
	}
	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("broker: parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Options translates cfg into the Option values New expects, opening any
// backing resources a badger-backed persistence config or a password-file
// auth config name. The returned closer releases those resources and must
// be called once the broker is shutting down.
func (cfg *BrokerConfig) Options() (opts []Option, closer func() error, err error) {
	closer = func() error { return nil }

	if cfg.MaxIncomingPacket > 0 {
		opts = append(opts, WithMaxIncomingPacket(cfg.MaxIncomingPacket))
	}
	if cfg.PendingQueueLimit > 0 {
		opts = append(opts, WithPendingQueueLimit(cfg.PendingQueueLimit))
	}
	if cfg.ConnectTimeoutSeconds > 0 {
		opts = append(opts, WithConnectTimeout(time.Duration(cfg.ConnectTimeoutSeconds)*time.Second))
	}

	opts = append(opts, WithLimits(session.Limits{
		MaxTopicLength: cfg.Limits.MaxTopicLength,
		MaxPayloadSize: cfg.Limits.MaxPayloadSize,
	}))

	switch cfg.Auth.Mode {
	case "", "allow_all":
		opts = append(opts, WithAuthenticator(auth.AllowAll{}))
	case "password_file":
		a, err := auth.LoadPasswordFile(cfg.Auth.PasswordFile)
		if err != nil {
			return nil, closer, err
		}
		opts = append(opts, WithAuthenticator(a))
	default:
		return nil, closer, fmt.Errorf("broker: unknown auth mode %q", cfg.Auth.Mode)
	}

	switch cfg.Persistence.Backend {
	case "", "memory":
		// New's default in-memory store factory already covers this case.
	case "badger":
		db, err := badger.Open(badger.DefaultOptions(cfg.Persistence.Dir))
		if err != nil {
			return nil, closer, fmt.Errorf("broker: open badger store at %s: %w", cfg.Persistence.Dir, err)
		}
		maxPackets := cfg.PendingQueueLimit
		opts = append(opts, WithPersistentStore(func(clientID string) store.Interface {
			return store.NewPersistent(db, clientID, maxPackets)
		}))
		closer = db.Close
	default:
		return nil, closer, fmt.Errorf("broker: unknown persistence backend %q", cfg.Persistence.Backend)
	}

	return opts, closer, nil
}

// ListenAll opens every listener named in cfg against b, blocking until ctx
// is cancelled or any listener returns a permanent error. Each listener
// runs its own accept loop in its own goroutine.
func (cfg *BrokerConfig) ListenAll(ctx context.Context, b *Broker) error {
	errCh := make(chan error, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		lc := lc
		go func() {
			var tlsConfig *tls.Config
			if lc.CertFile != "" || lc.KeyFile != "" {
				cert, err := tls.LoadX509KeyPair(lc.CertFile, lc.KeyFile)
				if err != nil {
					errCh <- fmt.Errorf("broker: load tls cert for %s: %w", lc.Addr, err)
					return
				}
				tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			}
			errCh <- b.Serve(ctx, transport.Kind(lc.Kind), lc.Addr, tlsConfig)
		}()
	}
	for range cfg.Listeners {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}
