package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	crm "github.com/kevinderitis/crm-front-v2"
)

// app bundles everything a command needs, built from the config file.
type app struct {
	cfg        *Config
	logger     *zap.Logger
	api        *crm.Client
	rt         *crm.RealtimeClient
	dispatcher *crm.Dispatcher
	session    *crm.SessionStore
	registry   *prometheus.Registry
	notifier   crm.Notifier
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if cfg.Default.APIURL == "" {
		return nil, errors.New("no API URL configured; run 'crm config set default.api_url <url>' or set CRM_API_URL")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	rtCfg, err := cfg.realtimeConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		notifier: newTermNotifier(os.Stderr),
	}
	metrics := crm.NewMetrics(a.registry)

	a.api = crm.NewClient(cfg.Default.APIURL,
		crm.WithLogger(logger),
		crm.WithNotifier(a.notifier),
	)
	a.dispatcher = crm.NewDispatcher(logger, metrics)

	wsURL := cfg.Default.WSURL
	if wsURL == "" {
		wsURL = cfg.Default.APIURL
	}
	rtCfg.Logger = logger
	rtCfg.Notifier = a.notifier
	rtCfg.Metrics = metrics
	a.rt = crm.NewRealtimeClient(wsURL, a.dispatcher, &rtCfg)

	a.session = crm.NewSessionStore(a.api, a.rt, &configPersister{cfg: cfg}, logger)
	return a, nil
}

// mustApp builds the app or exits with the error.
func mustApp() *app {
	a, err := newApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return a
}

// restore resumes the stored session. The push channel is opened only when
// connect is true.
func (a *app) restore(ctx context.Context, connect bool) (*crm.Session, error) {
	if !connect {
		if a.cfg.Auth.Token == "" {
			return nil, errors.New("not logged in; run 'crm login <email>' first")
		}
		if exp, ok := crm.TokenExpiry(a.cfg.Auth.Token); ok && !exp.After(time.Now()) {
			return nil, crm.ErrSessionExpired
		}
		a.api.SetToken(a.cfg.Auth.Token)
		return &crm.Session{Token: a.cfg.Auth.Token, User: a.cfg.user()}, nil
	}
	sess, err := a.session.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.New("not logged in; run 'crm login <email>' first")
	}
	return sess, nil
}

func (a *app) close() {
	_ = a.rt.Disconnect()
	_ = a.logger.Sync()
}

func (c *Config) user() crm.User {
	return crm.User{ID: c.Auth.UserID, FullName: c.Auth.UserName, Role: crm.Role(c.Auth.Role)}
}

// ============================================================================
// Session persistence in the [auth] section
// ============================================================================

type configPersister struct {
	mu  sync.Mutex
	cfg *Config
}

func (p *configPersister) Load() (*crm.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Auth.Token == "" {
		return nil, nil
	}
	return &crm.Session{Token: p.cfg.Auth.Token, User: p.cfg.user()}, nil
}

func (p *configPersister) Save(s *crm.Session) error {
	return p.update(func(auth *ConfigAuth) {
		*auth = ConfigAuth{
			Token:    s.Token,
			UserID:   s.User.ID,
			UserName: s.User.FullName,
			Role:     string(s.User.Role),
		}
	})
}

func (p *configPersister) Clear() error {
	return p.update(func(auth *ConfigAuth) { *auth = ConfigAuth{} })
}

// update edits [auth] on the file copy too, so env overrides are never written back.
func (p *configPersister) update(fn func(*ConfigAuth)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.cfg.Auth)

	onDisk, err := loadConfig()
	if err != nil {
		return err
	}
	fn(&onDisk.Auth)
	return saveConfig(onDisk)
}

// ============================================================================
// Terminal notifications
// ============================================================================

// termNotifier prints toasts on one line each and rings the bell for sounds.
type termNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func newTermNotifier(out io.Writer) *termNotifier {
	return &termNotifier{out: out}
}

func (t *termNotifier) Notify(n crm.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bell := ""
	if n.Sound {
		bell = "\a"
	}
	line := fmt.Sprintf("%s[%s] %s", bell, n.Level, n.Title)
	if n.Body != "" {
		line += ": " + n.Body
	}
	if n.ConversationID != "" {
		line += fmt.Sprintf(" (crm messages %s)", n.ConversationID)
	}
	fmt.Fprintln(t.out, line)
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func amount(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
