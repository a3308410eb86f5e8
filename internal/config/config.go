package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const defaultConfigName = "annotext"

// Log levels accepted by the logging package.
var logLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Database holds connection parameters for the primary datastore.
type Database struct {
	Driver   string // postgres|sqlite
	Name     string
	User     string
	Password string
	Host     string
}

// AnnotationDB holds the address and credentials of the external
// annotation storage service (CATCH-style REST API).
type AnnotationDB struct {
	URL         string
	APIKey      string
	SecretToken string
}

// Store selects the annotation backend and optional statistics gathering.
type Store struct {
	Backend          string // catch|app
	GatherStatistics bool
}

// Settings is the per-deployment configuration payload. It is authored
// once per environment (copy config/annotext.example.yaml and substitute
// real secrets), loaded once at startup, and never mutated afterwards.
type Settings struct {
	SecretKey string
	Debug     bool
	LogLevel  string

	HTTPAddr string

	ConsumerKey string
	LTISecret   string
	// LTISecretDict maps a consumer key to its shared secret for
	// multi-tenant installs. Empty (but never nil) by default; launches
	// whose consumer key has no entry fall back to LTISecret.
	LTISecretDict map[string]string

	Organization string
	ServerName   string

	// AllowedFrameHosts is the set of hostnames permitted to embed this
	// app in a frame. ServerName itself is always permitted.
	AllowedFrameHosts []string

	Database     Database
	AnnotationDB AnnotationDB
	Store        Store

	AdminUser     string
	AdminPassHash string // bcrypt
}

// Load reads settings from config/annotext.yaml (or ./annotext.yaml) and
// ANNOTEXT_-prefixed environment variables, then validates the result.
// Env-only operation is supported; the file is optional.
func Load() (Settings, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvPrefix("ANNOTEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; env-only is fine.
	_ = v.ReadInConfig()

	return fromViper(v)
}

// LoadFile reads settings from an explicit file path plus environment
// overrides. Used by tests and by deployments that keep the payload
// outside the search path.
func LoadFile(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("ANNOTEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("lti.secret_dict", map[string]string{})

	v.SetDefault("allowed_frame_hosts", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost:5432")

	v.SetDefault("store.backend", "catch")
	v.SetDefault("store.gather_statistics", false)

	v.SetDefault("admin.user", "admin")
	v.SetDefault("admin.pass_hash", "")
}

func fromViper(v *viper.Viper) (Settings, error) {
	s := Settings{
		SecretKey: v.GetString("secret_key"),
		Debug:     v.GetBool("debug"),
		LogLevel:  strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),

		HTTPAddr: v.GetString("http_addr"),

		ConsumerKey:   v.GetString("lti.consumer_key"),
		LTISecret:     v.GetString("lti.secret"),
		LTISecretDict: v.GetStringMapString("lti.secret_dict"),

		Organization: v.GetString("organization"),
		ServerName:   strings.TrimSpace(v.GetString("server_name")),

		AllowedFrameHosts: normalizeHostSet(v.GetStringSlice("allowed_frame_hosts")),

		Database: Database{
			Driver:   v.GetString("database.driver"),
			Name:     v.GetString("database.name"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			Host:     v.GetString("database.host"),
		},
		AnnotationDB: AnnotationDB{
			URL:         strings.TrimRight(strings.TrimSpace(v.GetString("annotation_db.url")), "/"),
			APIKey:      v.GetString("annotation_db.api_key"),
			SecretToken: v.GetString("annotation_db.secret_token"),
		},
		Store: Store{
			Backend:          v.GetString("store.backend"),
			GatherStatistics: v.GetBool("store.gather_statistics"),
		},

		AdminUser:     v.GetString("admin.user"),
		AdminPassHash: v.GetString("admin.pass_hash"),
	}

	if s.LTISecretDict == nil {
		s.LTISecretDict = map[string]string{}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate enforces the startup contract: every key the application
// dereferences unconditionally must be present with a usable value.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.SecretKey) == "" {
		return fmt.Errorf("secret_key must not be empty")
	}
	if !logLevels[s.LogLevel] {
		return fmt.Errorf("invalid log_level %q (want debug|info|warn|error)", s.LogLevel)
	}
	if strings.TrimSpace(s.HTTPAddr) == "" {
		return fmt.Errorf("http_addr must not be empty")
	}
	if strings.TrimSpace(s.ConsumerKey) == "" {
		return fmt.Errorf("lti.consumer_key must not be empty")
	}
	if strings.TrimSpace(s.LTISecret) == "" {
		return fmt.Errorf("lti.secret must not be empty")
	}
	if s.LTISecretDict == nil {
		return fmt.Errorf("lti.secret_dict must be a mapping, not null")
	}
	for k, sec := range s.LTISecretDict {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(sec) == "" {
			return fmt.Errorf("lti.secret_dict entries must have non-empty key and secret")
		}
	}
	if s.ServerName == "" {
		return fmt.Errorf("server_name must not be empty")
	}
	switch s.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database.driver %q (want postgres|sqlite)", s.Database.Driver)
	}
	if s.Database.Driver == "postgres" {
		if s.Database.Name == "" || s.Database.User == "" || s.Database.Host == "" {
			return fmt.Errorf("database.name, database.user and database.host are required for postgres")
		}
	}
	switch s.Store.Backend {
	case "catch":
		if s.AnnotationDB.URL == "" {
			return fmt.Errorf("annotation_db.url must not be empty")
		}
		if !strings.HasPrefix(s.AnnotationDB.URL, "http://") && !strings.HasPrefix(s.AnnotationDB.URL, "https://") {
			return fmt.Errorf("annotation_db.url must be an absolute http(s) URL, got %q", s.AnnotationDB.URL)
		}
		if s.AnnotationDB.APIKey == "" || s.AnnotationDB.SecretToken == "" {
			return fmt.Errorf("annotation_db.api_key and annotation_db.secret_token must not be empty")
		}
	case "app":
	default:
		return fmt.Errorf("invalid store.backend %q (want catch|app)", s.Store.Backend)
	}
	return nil
}

// SecretFor returns the LTI shared secret for a consumer key: the
// per-tenant entry when one exists, otherwise the shared LTISecret when
// the key matches ConsumerKey.
func (s Settings) SecretFor(consumerKey string) (string, bool) {
	if sec, ok := s.LTISecretDict[consumerKey]; ok {
		return sec, true
	}
	if consumerKey == s.ConsumerKey {
		return s.LTISecret, true
	}
	return "", false
}

// normalizeHostSet lowercases, trims and deduplicates while preserving
// first-seen order.
func normalizeHostSet(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
