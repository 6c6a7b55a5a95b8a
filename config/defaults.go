package config

import "time"

func getDefaultConfig() *Config {
	return &Config{
		LogLevel:           "DEBUG",
		LogFormat:          "text",
		ProfilerAddr:       "",
		PrometheusAddr:     "",
		PrometheusEndpoint: "/metrics",
		QueueURL:           "nats://nats:4222",
		Db:                 getDbConfig(),
		Coordinator:        getCoordinatorConfig(),
		Tracing:            nil,
	}
}

func getDbConfig() *DbConfig {
	return &DbConfig{
		Mode: "postgres",
		Postgres: &PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Name:         "pegbridge",
			User:         "pegbridge",
			Password:     "pegbridge",
			MaxIdleConns: 10,
			MaxOpenConns: 80,
			SslMode:      "disable",
		},
	}
}

func getCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		OrphanGraceBlocks:      6,
		MaxPendingBlocks:       144,
		RevertWindowBlocks:     6,
		ListOpenPageSize:       100,
		StatCollectionInterval: 60 * time.Second,
	}
}
