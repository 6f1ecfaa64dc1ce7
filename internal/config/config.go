package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Auth      AuthConfig
	Auction   AuctionConfig
	Broadcast BroadcastConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	// Driver is "postgres" or "mongo".
	Driver        string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
	MigrationsDir string
	AutoMigrate   bool
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   time.Duration
	ConnRetries   int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	BidAccepted  string
	AuctionEnded string
}

type AuthConfig struct {
	// Mode is "jwt" or "oidc".
	Mode       string
	JWTSecret  string
	JWTIssuer  string
	OIDCIssuer string
	CacheTTL   time.Duration
}

type AuctionConfig struct {
	CloseInterval   time.Duration
	LockTTL         time.Duration
	DistributedLock bool
	AutoRebid       bool
}

type BroadcastConfig struct {
	BufferSize int
	Backplane  bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", ":8085"),
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Driver:        strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
			PostgresDSN:   getEnv("POSTGRES_DSN", ""),
			MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: getEnv("MONGO_DATABASE", "auction"),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "./migrations"),
			AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),
			MaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:   time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			ConnRetries:   getEnvInt("DB_CONNECT_RETRIES", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				BidAccepted:  getEnv("KAFKA_TOPIC_BID_ACCEPTED", "auction.bid.accepted"),
				AuctionEnded: getEnv("KAFKA_TOPIC_AUCTION_ENDED", "auction.lot.ended"),
			},
		},
		Auth: AuthConfig{
			Mode:       strings.ToLower(getEnv("AUTH_MODE", "jwt")),
			JWTSecret:  getEnv("JWT_SECRET", ""),
			JWTIssuer:  getEnv("JWT_ISSUER", ""),
			OIDCIssuer: getEnv("OIDC_ISSUER", ""),
			CacheTTL:   getEnvDuration("AUTH_CACHE_TTL", 5*time.Minute),
		},
		Auction: AuctionConfig{
			CloseInterval:   getEnvDuration("AUCTION_CLOSE_INTERVAL", 15*time.Second),
			LockTTL:         getEnvDuration("LOT_LOCK_TTL", 5*time.Second),
			DistributedLock: getEnvBool("DISTRIBUTED_LOCK", true),
			AutoRebid:       getEnvBool("AUTO_REBID", true),
		},
		Broadcast: BroadcastConfig{
			BufferSize: getEnvInt("BROADCAST_BUFFER", 64),
			Backplane:  getEnvBool("BROADCAST_BACKPLANE", true),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
