// Package config resolves the static daemon configuration: defaults, then
// the YAML file, then MPANEL_* environment overrides, validated at the end.
// Runtime-mutable settings live in the updater settings store instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"

	"github.com/mikropanel/mikropaneld/pkg/validate"
)

// SubApp is one dependency-managed directory under the panel tree.
type SubApp struct {
	Dir     string
	Install []string
}

// Config is the resolved daemon configuration.
type Config struct {
	Bind        string `validate:"required,hostname_port"`
	CORSOrigins []string
	LogLevel    zerolog.Level

	AppDir     string `validate:"required"`
	GitRemote  string
	GitBranch  string
	RestartCmd []string
	Preserve   []string
	Exclude    []string
	SubApps    []SubApp

	GitTimeoutSec     int `validate:"min=1"`
	PullTimeoutSec    int `validate:"min=1"`
	InstallTimeoutSec int `validate:"min=1"`

	BackupsDir   string
	MinFreeBytes uint64
	StateDir     string `validate:"required"`

	S3Enabled   bool
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Prefix    string
	S3UseSSL    bool

	WebhookSecret string

	// Source records where the config came from, for the startup log.
	Source string
}

func (c Config) GitTimeout() time.Duration  { return time.Duration(c.GitTimeoutSec) * time.Second }
func (c Config) PullTimeout() time.Duration { return time.Duration(c.PullTimeoutSec) * time.Second }
func (c Config) InstallTimeout() time.Duration {
	return time.Duration(c.InstallTimeoutSec) * time.Second
}

type rawSubApp struct {
	Dir     string   `yaml:"dir"`
	Install []string `yaml:"install"`
}

// raw mirrors the YAML file.
type raw struct {
	HTTP struct {
		Bind string `yaml:"bind"`
	} `yaml:"http"`
	CORS struct {
		Origins []string `yaml:"origins"`
	} `yaml:"cors"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	App struct {
		Dir            string      `yaml:"dir"`
		Remote         string      `yaml:"remote"`
		Branch         string      `yaml:"branch"`
		RestartCmd     []string    `yaml:"restartCmd"`
		Preserve       []string    `yaml:"preserve"`
		Exclude        []string    `yaml:"exclude"`
		SubApps        []rawSubApp `yaml:"subApps"`
		GitTimeout     string      `yaml:"gitTimeout"`
		PullTimeout    string      `yaml:"pullTimeout"`
		InstallTimeout string      `yaml:"installTimeout"`
	} `yaml:"app"`
	Backups struct {
		Dir       string `yaml:"dir"`
		MinFreeMB int    `yaml:"minFreeMB"`
	} `yaml:"backups"`
	State struct {
		Dir string `yaml:"dir"`
	} `yaml:"state"`
	S3 struct {
		Enabled   bool   `yaml:"enabled"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"accessKey"`
		SecretKey string `yaml:"secretKey"`
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		UseSSL    bool   `yaml:"useSSL"`
	} `yaml:"s3"`
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
}

func defaults() Config {
	return Config{
		Bind:      "127.0.0.1:9090",
		LogLevel:  zerolog.InfoLevel,
		AppDir:    "/opt/mikropanel",
		GitRemote: "origin",
		RestartCmd: []string{
			"pm2", "restart", "mikropanel",
		},
		SubApps: []SubApp{
			{Dir: "server", Install: []string{"npm", "install", "--omit=dev"}},
			{Dir: "app", Install: []string{"npm", "install", "--omit=dev"}},
		},
		GitTimeoutSec:     60,
		PullTimeoutSec:    300,
		InstallTimeoutSec: 900,
		MinFreeBytes:      200 << 20,
		StateDir:          "/var/lib/mikropanel",
	}
}

// DefaultPath picks the config file: MPANEL_CONFIG when set, else
// ./devdata/config.yaml when present, else /etc/mikropanel/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("MPANEL_CONFIG"); strings.TrimSpace(p) != "" {
		return p
	}
	dev := filepath.Clean("./devdata/config.yaml")
	if _, err := os.Stat(dev); err == nil {
		return dev
	}
	return "/etc/mikropanel/config.yaml"
}

// Load resolves the configuration from path (DefaultPath when empty). A
// missing file is fine; the daemon then runs on defaults plus environment.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		var r raw
		if err := yaml.Unmarshal(b, &r); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := cfg.applyFile(r); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
		cfg.Source = path
	case os.IsNotExist(err):
		cfg.Source = "defaults"
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.BackupsDir == "" {
		cfg.BackupsDir = filepath.Join(cfg.AppDir, "backups")
	}
	if err := validate.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(r raw) error {
	if r.HTTP.Bind != "" {
		c.Bind = r.HTTP.Bind
	}
	if len(r.CORS.Origins) > 0 {
		c.CORSOrigins = append([]string(nil), r.CORS.Origins...)
	}
	if r.Logging.Level != "" {
		if l, err := zerolog.ParseLevel(r.Logging.Level); err == nil {
			c.LogLevel = l
		}
	}
	if r.App.Dir != "" {
		c.AppDir = r.App.Dir
	}
	if r.App.Remote != "" {
		c.GitRemote = r.App.Remote
	}
	if r.App.Branch != "" {
		c.GitBranch = r.App.Branch
	}
	if len(r.App.RestartCmd) > 0 {
		c.RestartCmd = append([]string(nil), r.App.RestartCmd...)
	}
	if len(r.App.Preserve) > 0 {
		c.Preserve = append([]string(nil), r.App.Preserve...)
	}
	if len(r.App.Exclude) > 0 {
		c.Exclude = append([]string(nil), r.App.Exclude...)
	}
	if len(r.App.SubApps) > 0 {
		apps := make([]SubApp, 0, len(r.App.SubApps))
		for _, a := range r.App.SubApps {
			apps = append(apps, SubApp{Dir: a.Dir, Install: append([]string(nil), a.Install...)})
		}
		c.SubApps = apps
	}
	for _, d := range []struct {
		v   string
		dst *int
	}{
		{r.App.GitTimeout, &c.GitTimeoutSec},
		{r.App.PullTimeout, &c.PullTimeoutSec},
		{r.App.InstallTimeout, &c.InstallTimeoutSec},
	} {
		if d.v == "" {
			continue
		}
		dur, err := time.ParseDuration(d.v)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", d.v, err)
		}
		*d.dst = int(dur / time.Second)
	}
	if r.Backups.Dir != "" {
		c.BackupsDir = r.Backups.Dir
	}
	if r.Backups.MinFreeMB > 0 {
		c.MinFreeBytes = uint64(r.Backups.MinFreeMB) << 20
	}
	if r.State.Dir != "" {
		c.StateDir = r.State.Dir
	}
	c.S3Enabled = r.S3.Enabled
	c.S3UseSSL = r.S3.UseSSL
	if r.S3.Endpoint != "" {
		c.S3Endpoint = r.S3.Endpoint
	}
	if r.S3.AccessKey != "" {
		c.S3AccessKey = r.S3.AccessKey
	}
	if r.S3.SecretKey != "" {
		c.S3SecretKey = r.S3.SecretKey
	}
	if r.S3.Bucket != "" {
		c.S3Bucket = r.S3.Bucket
	}
	if r.S3.Prefix != "" {
		c.S3Prefix = r.S3.Prefix
	}
	if r.Webhook.Secret != "" {
		c.WebhookSecret = r.Webhook.Secret
	}
	return nil
}

// applyEnv overlays MPANEL_* variables. Unparsable values are ignored so a
// stray variable cannot keep the daemon from starting.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("MPANEL_HTTP_BIND", &c.Bind)
	setStr("MPANEL_APP_DIR", &c.AppDir)
	setStr("MPANEL_GIT_REMOTE", &c.GitRemote)
	setStr("MPANEL_GIT_BRANCH", &c.GitBranch)
	setStr("MPANEL_BACKUPS_DIR", &c.BackupsDir)
	setStr("MPANEL_STATE_DIR", &c.StateDir)
	setStr("MPANEL_S3_ENDPOINT", &c.S3Endpoint)
	setStr("MPANEL_S3_ACCESS_KEY", &c.S3AccessKey)
	setStr("MPANEL_S3_SECRET_KEY", &c.S3SecretKey)
	setStr("MPANEL_S3_BUCKET", &c.S3Bucket)
	setStr("MPANEL_S3_PREFIX", &c.S3Prefix)
	setStr("MPANEL_WEBHOOK_SECRET", &c.WebhookSecret)

	if v := os.Getenv("MPANEL_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("MPANEL_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			c.LogLevel = l
		}
	}
	if v := os.Getenv("MPANEL_S3_ENABLED"); v != "" {
		c.S3Enabled = parseBool(v, c.S3Enabled)
	}
	if v := os.Getenv("MPANEL_S3_SSL"); v != "" {
		c.S3UseSSL = parseBool(v, c.S3UseSSL)
	}
	if v := os.Getenv("MPANEL_BACKUPS_MIN_FREE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MinFreeBytes = uint64(n) << 20
		}
	}

	setDur := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = int(d / time.Second)
			}
		}
	}
	setDur("MPANEL_GIT_TIMEOUT", &c.GitTimeoutSec)
	setDur("MPANEL_PULL_TIMEOUT", &c.PullTimeoutSec)
	setDur("MPANEL_INSTALL_TIMEOUT", &c.InstallTimeoutSec)
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
