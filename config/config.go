package config

import (
	"time"
)

type Config struct {
	LogLevel           string `json:"logLevel" mapstructure:"logLevel"`
	LogFormat          string `json:"logFormat" mapstructure:"logFormat"`
	ProfilerAddr       string `json:"profilerAddr" mapstructure:"profilerAddr"`
	PrometheusAddr     string `json:"prometheusAddr" mapstructure:"prometheusAddr"`
	PrometheusEndpoint string `json:"prometheusEndpoint" mapstructure:"prometheusEndpoint"`
	QueueURL           string `json:"queueURL" mapstructure:"queueURL"`

	Db          *DbConfig          `json:"db" mapstructure:"db"`
	Coordinator *CoordinatorConfig `json:"coordinator" mapstructure:"coordinator"`
	Tracing     *TracingConfig     `json:"tracing" mapstructure:"tracing"`
}

type DbConfig struct {
	Mode     string          `json:"mode" mapstructure:"mode"`
	Postgres *PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	Name         string `json:"name" mapstructure:"name"`
	User         string `json:"user" mapstructure:"user"`
	Password     string `json:"password" mapstructure:"password"`
	MaxIdleConns int    `json:"maxIdleConns" mapstructure:"maxIdleConns"`
	MaxOpenConns int    `json:"maxOpenConns" mapstructure:"maxOpenConns"`
	SslMode      string `json:"sslMode" mapstructure:"sslMode"`
}

type CoordinatorConfig struct {
	// OrphanGraceBlocks is how many new blocks an orphaned request
	// observation may wait for re-observation before it is invalidated.
	OrphanGraceBlocks uint64 `json:"orphanGraceBlocks" mapstructure:"orphanGraceBlocks"`
	// MaxPendingBlocks bounds how long a request may stay PENDING before
	// the expiry sweep marks it terminal.
	MaxPendingBlocks uint64 `json:"maxPendingBlocks" mapstructure:"maxPendingBlocks"`
	// RevertWindowBlocks is how long an orphaned confirmation may wait for
	// a replacement before the compensating event is emitted.
	RevertWindowBlocks uint64 `json:"revertWindowBlocks" mapstructure:"revertWindowBlocks"`

	ListOpenPageSize       int           `json:"listOpenPageSize" mapstructure:"listOpenPageSize"`
	StatCollectionInterval time.Duration `json:"statCollectionInterval" mapstructure:"statCollectionInterval"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	DialAddr string `json:"dialAddr" mapstructure:"dialAddr"`
}
