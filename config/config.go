package config

import (
	"time"

	"github.com/Gobusters/ectoenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Port                          int      `env:"PORT" env-default:"3004"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL (durable mirror)
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Persistence hardening
	PersistMaxAttempts int           `env:"PERSIST_MAX_ATTEMPTS" env-default:"3"`
	PersistRetryDelay  time.Duration `env:"PERSIST_RETRY_DELAY" env-default:"250ms"`

	// Graph Database (Memgraph)
	GraphDBEnabled  bool   `env:"GRAPH_DB_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Redis (record lookup replica)
	RedisEnabled   bool          `env:"REDIS_ENABLED" env-default:"false"`
	RedisHost      string        `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort      int           `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword  string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB        int           `env:"REDIS_DB" env-default:"0"`
	RedisRecordTTL time.Duration `env:"REDIS_RECORD_TTL" env-default:"10m"`

	// Adapter registry + ingestion
	RegistryURL          string        `env:"ADAPTER_REGISTRY_URL" env-default:"http://localhost:3000"`
	RegistryPollInterval time.Duration `env:"REGISTRY_POLL_INTERVAL" env-default:"60s"`
	FetchWorkerCount     int           `env:"FETCH_WORKER_COUNT" env-default:"10"`
	FetchTimeout         time.Duration `env:"FETCH_TIMEOUT" env-default:"5m"`
	DefaultSampleRate    time.Duration `env:"DEFAULT_SAMPLE_RATE" env-default:"60s"`
	IngestionEnabled     bool          `env:"INGESTION_ENABLED" env-default:"true"`

	// Kafka Producer (lifecycle + alert events)
	KafkaBrokers           []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaEntityEventsTopic string   `env:"KAFKA_ENTITY_EVENTS_TOPIC" env-default:"entity-events"`
	KafkaBatchSize         int      `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout      int      `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks      int      `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression       string   `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Kafka Consumer (merge directives from upstream rule engines)
	KafkaMergeDirectivesTopic   string `env:"KAFKA_MERGE_DIRECTIVES_TOPIC" env-default:"merge-directives"`
	KafkaDirectiveConsumerGroup string `env:"KAFKA_DIRECTIVE_CONSUMER_GROUP" env-default:"fern-directive-consumer"`
	KafkaConsumerEnabled        bool   `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
