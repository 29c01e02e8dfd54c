package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Subject correlation scopes.
const (
	SubjectScopeCustomer = "customer"
	SubjectScopeAny      = "any"
)

// Attachment storage drivers.
const (
	BlobDriverNone = "none"
	BlobDriverS3   = "s3"
	BlobDriverDir  = "dir"
)

type Config struct {
	Environment string
	Port        string
	LogLevel    string
	LogFormat   string

	DBDriver   string
	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	IMAPHost        string
	IMAPPort        int
	IMAPUsername    string
	IMAPPassword    string
	IMAPTLS         bool
	IMAPTimeout     time.Duration
	IMAPInboxFolder string
	IMAPSentFolder  string

	AgentAddress string
	Mailbox      string

	BatchSize     int
	BatchDelay    time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	SubjectWindow time.Duration
	SubjectScope  string
	StaleAfter    time.Duration
	SyncInterval  time.Duration
	SyncIdle      bool

	BlobDriver          string
	BlobBucket          string
	BlobEndpoint        string
	BlobRegion          string
	BlobAccessKeyID     string
	BlobSecretAccessKey string
	BlobPublicBaseURL   string
	BlobDir             string
	BlobMaxBytes        int64

	APIToken string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("SUPPORTMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	v, err := newViper(os.Getenv("SUPPORTMAIL_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	v.SetDefault("env", env)

	config := fromViper(v)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func newViper(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("SUPPORTMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "supportmail")
	v.SetDefault("db.name", "supportmail")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.sqlite_path", "supportmail.db")

	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.timeout", 30*time.Second)
	v.SetDefault("imap.inbox_folder", "INBOX")
	v.SetDefault("imap.sent_folder", "")

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.batch_delay", 2*time.Second)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_backoff", 5*time.Second)
	v.SetDefault("sync.subject_window", 30*24*time.Hour)
	v.SetDefault("sync.subject_scope", SubjectScopeCustomer)
	v.SetDefault("sync.stale_after", time.Duration(0))
	v.SetDefault("sync.interval", time.Duration(0))
	v.SetDefault("sync.idle", false)

	v.SetDefault("blob.driver", BlobDriverNone)
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.dir", "attachments")
	v.SetDefault("blob.max_bytes", int64(25<<20))

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"db.password", "imap.host", "imap.username", "imap.password", "agent.address", "mailbox",
		"blob.bucket", "blob.endpoint", "blob.access_key_id", "blob.secret_access_key",
		"blob.public_base_url", "api.token",
	} {
		_ = v.BindEnv(key)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	return v, nil
}

func fromViper(v *viper.Viper) *Config {
	c := &Config{
		Environment: v.GetString("env"),
		Port:        v.GetString("port"),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),

		DBDriver:   strings.ToLower(v.GetString("db.driver")),
		DBHost:     v.GetString("db.host"),
		DBPort:     v.GetString("db.port"),
		DBUsername: v.GetString("db.user"),
		DBPassword: v.GetString("db.password"),
		DBName:     v.GetString("db.name"),
		DBSSLMode:  v.GetString("db.sslmode"),
		SQLitePath: v.GetString("db.sqlite_path"),

		IMAPHost:        v.GetString("imap.host"),
		IMAPPort:        v.GetInt("imap.port"),
		IMAPUsername:    v.GetString("imap.username"),
		IMAPPassword:    v.GetString("imap.password"),
		IMAPTLS:         v.GetBool("imap.tls"),
		IMAPTimeout:     v.GetDuration("imap.timeout"),
		IMAPInboxFolder: v.GetString("imap.inbox_folder"),
		IMAPSentFolder:  v.GetString("imap.sent_folder"),

		AgentAddress: strings.ToLower(strings.TrimSpace(v.GetString("agent.address"))),
		Mailbox:      v.GetString("mailbox"),

		BatchSize:     v.GetInt("sync.batch_size"),
		BatchDelay:    v.GetDuration("sync.batch_delay"),
		MaxRetries:    v.GetInt("sync.max_retries"),
		RetryBackoff:  v.GetDuration("sync.retry_backoff"),
		SubjectWindow: v.GetDuration("sync.subject_window"),
		SubjectScope:  strings.ToLower(v.GetString("sync.subject_scope")),
		StaleAfter:    v.GetDuration("sync.stale_after"),
		SyncInterval:  v.GetDuration("sync.interval"),
		SyncIdle:      v.GetBool("sync.idle"),

		BlobDriver:          strings.ToLower(v.GetString("blob.driver")),
		BlobBucket:          v.GetString("blob.bucket"),
		BlobEndpoint:        v.GetString("blob.endpoint"),
		BlobRegion:          v.GetString("blob.region"),
		BlobAccessKeyID:     v.GetString("blob.access_key_id"),
		BlobSecretAccessKey: v.GetString("blob.secret_access_key"),
		BlobPublicBaseURL:   v.GetString("blob.public_base_url"),
		BlobDir:             v.GetString("blob.dir"),
		BlobMaxBytes:        v.GetInt64("blob.max_bytes"),

		APIToken: v.GetString("api.token"),
	}

	if c.Mailbox == "" {
		c.Mailbox = c.IMAPUsername
	}

	return c
}

func (c *Config) Validate() error {
	if c.IMAPHost == "" {
		return fmt.Errorf("SUPPORTMAIL_IMAP_HOST is required")
	}

	if c.IMAPUsername == "" || c.IMAPPassword == "" {
		return fmt.Errorf("SUPPORTMAIL_IMAP_USERNAME and SUPPORTMAIL_IMAP_PASSWORD are required")
	}

	if c.AgentAddress == "" {
		return fmt.Errorf("SUPPORTMAIL_AGENT_ADDRESS is required")
	}

	switch c.DBDriver {
	case "postgres":
		if c.DBPassword == "" {
			return fmt.Errorf("SUPPORTMAIL_DB_PASSWORD is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SUPPORTMAIL_DB_SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("SUPPORTMAIL_DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("SUPPORTMAIL_SYNC_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}

	if c.MaxRetries <= 0 {
		return fmt.Errorf("SUPPORTMAIL_SYNC_MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}

	if c.SubjectScope != SubjectScopeCustomer && c.SubjectScope != SubjectScopeAny {
		return fmt.Errorf("SUPPORTMAIL_SYNC_SUBJECT_SCOPE must be customer or any, got %q", c.SubjectScope)
	}

	switch c.BlobDriver {
	case BlobDriverNone:
	case BlobDriverS3:
		if c.BlobBucket == "" {
			return fmt.Errorf("SUPPORTMAIL_BLOB_BUCKET is required for the s3 driver")
		}
	case BlobDriverDir:
		if c.BlobDir == "" {
			return fmt.Errorf("SUPPORTMAIL_BLOB_DIR is required for the dir driver")
		}
	default:
		return fmt.Errorf("SUPPORTMAIL_BLOB_DRIVER must be s3, dir or none, got %q", c.BlobDriver)
	}

	if c.Environment == "production" && c.APIToken == "" {
		return fmt.Errorf("SUPPORTMAIL_API_TOKEN is required in production")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// IMAPAddress returns host:port for dialing.
func (c *Config) IMAPAddress() string {
	return fmt.Sprintf("%s:%d", c.IMAPHost, c.IMAPPort)
}
