package models

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr     string `yaml:"server_addr"`
	DatabaseURL    string `yaml:"database_url"`
	KafkaBroker    string `yaml:"kafka_broker"`
	KafkaTopic     string `yaml:"kafka_topic"`
	StoragePath    string `yaml:"storage_path"`
	MaxImportBytes int64  `yaml:"max_import_bytes"`
}

const defaultMaxImportBytes = 100 << 20 // 100MB

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxImportBytes <= 0 {
		cfg.MaxImportBytes = defaultMaxImportBytes
	}
	return &cfg, nil
}
