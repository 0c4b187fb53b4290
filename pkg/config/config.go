package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/speedrun-hq/intentcore/pkg/logger"
)

// Config holds the configuration for the intent settlement node
type Config struct {
	HubChainID      uint64
	WorkerCount     int
	MetricsPort     string
	AdminAddress    string
	PauserAddress   string
	HealthAuthToken string
	Relay           RelayConfig
	GlobalGasLimit  uint64
	LoggerConfig    LoggerConfig
}

// RelayConfig holds the relay gateway tuning knobs
type RelayConfig struct {
	QueueSize        int
	MaxAttempts      int
	RetryInterval    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	DuplicateEvery   int
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	hubChainID, err := GetEnvHubChainID()
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	adminAddress, err := GetEnvAdminAddress()
	if err != nil {
		return nil, err
	}

	pauserAddress, err := GetEnvPauserAddress()
	if err != nil {
		return nil, err
	}

	queueSize, err := GetEnvRelayQueueSize()
	if err != nil {
		return nil, err
	}

	maxAttempts, err := GetEnvRelayMaxAttempts()
	if err != nil {
		return nil, err
	}

	retryInterval, err := GetEnvRelayRetryInterval()
	if err != nil {
		return nil, err
	}

	breakerThreshold, err := GetEnvBreakerThreshold()
	if err != nil {
		return nil, err
	}

	breakerCooldown, err := GetEnvBreakerCooldown()
	if err != nil {
		return nil, err
	}

	duplicateEvery, err := GetEnvDuplicateEvery()
	if err != nil {
		return nil, err
	}

	globalGasLimit, err := GetEnvGlobalGasLimit()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HubChainID:      hubChainID,
		WorkerCount:     workerCount,
		MetricsPort:     metricsPort,
		AdminAddress:    adminAddress,
		PauserAddress:   pauserAddress,
		HealthAuthToken: os.Getenv("AUTH_TOKEN"),
		Relay: RelayConfig{
			QueueSize:        queueSize,
			MaxAttempts:      maxAttempts,
			RetryInterval:    retryInterval,
			BreakerThreshold: breakerThreshold,
			BreakerCooldown:  breakerCooldown,
			DuplicateEvery:   duplicateEvery,
		},
		GlobalGasLimit: globalGasLimit,
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	return cfg, nil
}
