package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sakashimaa/outbox-service/pkg/utils"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"local"`
	Log        Log        `yaml:"log"`
	Postgres   PG         `yaml:"postgres"`
	Kafka      Kafka      `yaml:"kafka"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Retention  Retention  `yaml:"retention"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type PG struct {
	URL string `yaml:"url" env:"DB_URL"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
}

type Dispatcher struct {
	BatchSize int           `yaml:"batch_size" env:"DISPATCH_BATCH_SIZE" env-default:"50"`
	Interval  time.Duration `yaml:"interval" env:"DISPATCH_INTERVAL" env-default:"500ms"`

	// MaxAttempts of 0 keeps retrying forever.
	MaxAttempts int64 `yaml:"max_attempts" env:"DISPATCH_MAX_ATTEMPTS" env-default:"10"`
}

type Retention struct {
	MaxAge   time.Duration `yaml:"max_age" env:"RETENTION_MAX_AGE" env-default:"168h"`
	Interval time.Duration `yaml:"interval" env:"RETENTION_INTERVAL" env-default:"1h"`
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exists: %v\n", err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	return &cfg
}
