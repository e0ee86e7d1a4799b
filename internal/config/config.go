package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	SocrataBaseURL string
	DatasetID      string
	SocrataKeyID   string
	SocrataSecret  string
	SocrataTimeout time.Duration
	PageSize       int

	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UsePathType bool

	NATSURL         string
	NATSConnTimeout time.Duration

	ClickHouseAddr         string
	ClickHouseMaxOpenConns int
	ClickHouseMaxIdleConns int
	ClickHouseConnMaxLife  time.Duration
	ClickHouseUsername     string
	ClickHousePassword     string
	ClickHouseDatabase     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	PollingInterval time.Duration
	RunTimeout      time.Duration

	HTTPAddr string

	OTELCollectorURL string
}

func LoadConfig() (*Config, error) {
	config := &Config{
		SocrataBaseURL: getEnvString("SOCRATA_BASE_URL", "https://data.cityofnewyork.us"),
		DatasetID:      getEnvString("SOCRATA_DATASET_ID", "kpav-sd4t"),
		SocrataKeyID:   getEnvString("SOCRATA_APP_KEY_ID", ""),
		SocrataSecret:  getEnvString("SOCRATA_APP_KEY_SECRET", ""),
		SocrataTimeout: getEnvDuration("SOCRATA_TIMEOUT", 60*time.Second),
		PageSize:       getEnvInt("SOCRATA_PAGE_SIZE", 10000),

		S3Bucket:      getEnvString("S3_BUCKET", "cityjobs-data"),
		S3Region:      getEnvString("S3_REGION", "us-east-1"),
		S3Endpoint:    getEnvString("S3_ENDPOINT", ""),
		S3AccessKey:   getEnvString("S3_ACCESS_KEY", ""),
		S3SecretKey:   getEnvString("S3_SECRET_KEY", ""),
		S3UsePathType: getEnvBool("S3_USE_PATH_STYLE", false),

		NATSURL:         getEnvString("NATS_URL", "nats://localhost:4222"),
		NATSConnTimeout: getEnvDuration("NATS_CONN_TIMEOUT", 10*time.Second),

		ClickHouseAddr:         getEnvString("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseMaxOpenConns: getEnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10),
		ClickHouseMaxIdleConns: getEnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 5),
		ClickHouseConnMaxLife:  getEnvDuration("CLICKHOUSE_CONN_MAX_LIFE", time.Hour),
		ClickHouseUsername:     getEnvString("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword:     getEnvString("CLICKHOUSE_PASSWORD", ""),
		ClickHouseDatabase:     getEnvString("CLICKHOUSE_DATABASE", "cityjobs"),

		RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CacheTTL:      getEnvDuration("CACHE_TTL", 1*time.Hour),

		PollingInterval: getEnvDuration("POLLING_INTERVAL", 6*time.Hour),
		RunTimeout:      getEnvDuration("RUN_TIMEOUT", 15*time.Minute),

		HTTPAddr: getEnvString("HTTP_ADDR", ":8080"),

		OTELCollectorURL: getEnvString("OTEL_COLLECTOR_URL", ""),
	}

	return config, nil
}

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
