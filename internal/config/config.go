// Package config は環境変数と任意の.envファイルから通知サーバーの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// 開発環境で使用するJWT秘密鍵の既定値。本番環境では使用できない。
const devJWTSecret = "dev-secret-key"

// ストアの種類。
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Fan-outバスの種類。
const (
	BusMemory   = "memory"
	BusHTTP     = "http"
	BusPostgres = "postgres"
)

// Config は通知サーバーの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"PORT"`
	// InstanceID はこのプロセスの識別子。未設定の場合は起動ごとに生成する。
	InstanceID string `mapstructure:"INSTANCE_ID"`
	// Env は実行環境 (development, production など)。
	Env string `mapstructure:"APP_ENV"`
	// LogLevel はログの出力レベル (debug, info, warn, error)。
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// JWTSecret はJWTの署名と検証に使用する秘密鍵。
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// AllowedOrigins はカンマ区切りの許可オリジン。空の場合はすべて許可する。
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	// StoreDriver は通知ストアの種類 (sqlite, postgres)。
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// SQLitePath はSQLiteデータベースのパス。
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	// DatabaseURL はPostgreSQLの接続文字列。STORE_DRIVERまたはBUS_DRIVERがpostgresの場合に必須。
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// BusDriver はFan-outバスの種類 (memory, http, postgres)。
	BusDriver string `mapstructure:"BUS_DRIVER"`
	// PeerURLs はカンマ区切りのピアのベースURL。BUS_DRIVERがhttpの場合に使用する。
	PeerURLs string `mapstructure:"PEER_URLS"`
	// NotifyChannel はLISTEN/NOTIFYで使用するチャネル名。
	NotifyChannel string `mapstructure:"PG_NOTIFY_CHANNEL"`
	// FanoutTimeout はFan-outイベント1件の発行にかける最大時間。
	FanoutTimeout time.Duration `mapstructure:"FANOUT_TIMEOUT"`

	// RegistrationTimeout は接続からユーザー登録までの制限時間。
	RegistrationTimeout time.Duration `mapstructure:"REGISTRATION_TIMEOUT"`
	// IdleTimeout は登録済みセッションがフレームを受信しないまま切断されるまでの時間。
	IdleTimeout time.Duration `mapstructure:"IDLE_TIMEOUT"`
	// PingInterval はサーバーからpingを送る間隔。0の場合は送らない。
	PingInterval time.Duration `mapstructure:"PING_INTERVAL"`
	// SendBuffer はセッションごとの送信バッファのサイズ。
	SendBuffer int `mapstructure:"SEND_BUFFER"`
	// RequireToken がtrueの場合、WebSocket接続時にユーザートークンを必須とする。
	RequireToken bool `mapstructure:"WS_REQUIRE_TOKEN"`

	// Retention は既読通知を保持する期間。
	Retention time.Duration `mapstructure:"RETENTION"`
	// SweepInterval は既読通知を削除する間隔。0の場合は定期削除しない。
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`

	// OTLPEndpoint はOTLP/gRPCのエクスポート先。空の場合はエクスポートしない。
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure がtrueの場合、https以外のエンドポイントでもTLSを使用しない。
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load はカレントディレクトリの.env (存在する場合) と環境変数から設定を読み込み、検証する。
// 環境変数は.envより優先される。
func Load() (*Config, error) {
	return load(".env")
}

// load はenvFileと環境変数から設定を読み込む。
func load(envFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // .envがなくても環境変数だけで起動できる

	v.AutomaticEnv()

	v.SetDefault("PORT", "8086")
	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("STORE_DRIVER", StoreSQLite)
	v.SetDefault("SQLITE_PATH", "notification.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("BUS_DRIVER", BusMemory)
	v.SetDefault("PEER_URLS", "")
	v.SetDefault("PG_NOTIFY_CHANNEL", "livenotify_fanout")
	v.SetDefault("FANOUT_TIMEOUT", "5s")
	v.SetDefault("REGISTRATION_TIMEOUT", "10s")
	v.SetDefault("IDLE_TIMEOUT", "60s")
	v.SetDefault("PING_INTERVAL", "25s")
	v.SetDefault("SEND_BUFFER", 64)
	v.SetDefault("WS_REQUIRE_TOKEN", false)
	v.SetDefault("RETENTION", "720h") // 30日
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: 設定の読み込みに失敗: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &cfg, nil
}

// validate は設定値の整合性を検証し、一部の既定値を補う。
func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("config: PORTを設定してください")
	}

	if c.JWTSecret == "" {
		if c.IsProduction() {
			return errors.New("config: APP_ENV=productionではJWT_SECRETが必須です")
		}
		c.JWTSecret = devJWTSecret
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: STORE_DRIVER=sqliteではSQLITE_PATHが必須です")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: STORE_DRIVER=postgresではDATABASE_URLが必須です")
		}
	default:
		return fmt.Errorf("config: 未対応のSTORE_DRIVERです: %q", c.StoreDriver)
	}

	c.BusDriver = strings.ToLower(strings.TrimSpace(c.BusDriver))
	switch c.BusDriver {
	case BusMemory:
	case BusHTTP:
		if len(c.PeerURLList()) == 0 {
			return errors.New("config: BUS_DRIVER=httpではPEER_URLSが必須です")
		}
	case BusPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: BUS_DRIVER=postgresではDATABASE_URLが必須です")
		}
		if c.NotifyChannel == "" {
			return errors.New("config: BUS_DRIVER=postgresではPG_NOTIFY_CHANNELが必須です")
		}
	default:
		return fmt.Errorf("config: 未対応のBUS_DRIVERです: %q", c.BusDriver)
	}

	if c.SendBuffer < 0 {
		return errors.New("config: SEND_BUFFERは0以上を指定してください")
	}
	if c.Retention <= 0 {
		return errors.New("config: RETENTIONは正の期間を指定してください")
	}
	if c.SweepInterval < 0 || c.PingInterval < 0 {
		return errors.New("config: SWEEP_INTERVALとPING_INTERVALは0以上を指定してください")
	}
	return nil
}

// IsProduction は本番環境で実行されているかを返す。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AllowedOriginList はカンマ区切りの許可オリジンを分割して返す。
func (c *Config) AllowedOriginList() []string {
	return splitList(c.AllowedOrigins)
}

// PeerURLList はカンマ区切りのピアURLを分割して返す。
func (c *Config) PeerURLList() []string {
	return splitList(c.PeerURLs)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
