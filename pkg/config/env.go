package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/intentcore/pkg/logger"
)

const (
	// DefaultHubChainID is the chain the settlement router runs on
	DefaultHubChainID = 7000

	// DefaultWorkerCount defines the default number of relay delivery workers
	DefaultWorkerCount = 5

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultAdminAddress holds the admin role on the router and ledgers
	DefaultAdminAddress = "0x0000000000000000000000000000000000000Ada"

	// DefaultPauserAddress holds the pauser role on the ledgers
	DefaultPauserAddress = "0x0000000000000000000000000000000000000Bad"

	// DefaultRelayQueueSize defines the relay delivery queue capacity
	DefaultRelayQueueSize = 1024

	// DefaultRelayMaxAttempts defines delivery attempts before a message is parked
	DefaultRelayMaxAttempts = 3

	// DefaultRelayRetryInterval defines the base delivery retry backoff
	DefaultRelayRetryInterval = 100 * time.Millisecond

	// DefaultBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultBreakerThreshold = 5

	// DefaultBreakerCooldown defines the reset timeout for the circuit breaker
	DefaultBreakerCooldown = 15 * time.Second

	// DefaultGlobalGasLimit defines the fallback destination gas limit
	DefaultGlobalGasLimit = 400000
)

// GetEnvHubChainID returns the hub chain ID from environment variables
func GetEnvHubChainID() (uint64, error) {
	hubChainID := os.Getenv("HUB_CHAIN_ID")
	if hubChainID == "" {
		return DefaultHubChainID, nil
	}

	id, err := strconv.ParseUint(hubChainID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid HUB_CHAIN_ID value: %s, must be an unsigned integer", hubChainID)
	}
	if id == 0 {
		return 0, fmt.Errorf("HUB_CHAIN_ID must be greater than 0")
	}
	return id, nil
}

// GetEnvWorkerCount returns the number of relay workers from environment variables
func GetEnvWorkerCount() (int, error) {
	workerCount := os.Getenv("WORKER_COUNT")
	if workerCount == "" {
		return DefaultWorkerCount, nil
	}

	// use atoi
	count, err := strconv.Atoi(workerCount)
	if err != nil {
		return 0, fmt.Errorf("invalid WORKER_COUNT value: %s, must be an integer", workerCount)
	}
	if count <= 0 {
		return 0, fmt.Errorf("WORKER_COUNT must be greater than 0")
	}
	return count, nil
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvAdminAddress returns the admin address from environment variables
func GetEnvAdminAddress() (string, error) {
	adminAddress := os.Getenv("ADMIN_ADDRESS")
	if adminAddress == "" {
		return DefaultAdminAddress, nil
	}

	// Validate Ethereum address format
	if !common.IsHexAddress(adminAddress) {
		return "", fmt.Errorf("invalid ADMIN_ADDRESS value: %s, must be a valid Ethereum address", adminAddress)
	}
	return adminAddress, nil
}

// GetEnvPauserAddress returns the pauser address from environment variables
func GetEnvPauserAddress() (string, error) {
	pauserAddress := os.Getenv("PAUSER_ADDRESS")
	if pauserAddress == "" {
		return DefaultPauserAddress, nil
	}

	// Validate Ethereum address format
	if !common.IsHexAddress(pauserAddress) {
		return "", fmt.Errorf("invalid PAUSER_ADDRESS value: %s, must be a valid Ethereum address", pauserAddress)
	}
	return pauserAddress, nil
}

// GetEnvRelayQueueSize returns the relay queue capacity from environment variables
func GetEnvRelayQueueSize() (int, error) {
	queueSize := os.Getenv("RELAY_QUEUE_SIZE")
	if queueSize == "" {
		return DefaultRelayQueueSize, nil
	}

	size, err := strconv.Atoi(queueSize)
	if err != nil {
		return 0, fmt.Errorf("invalid RELAY_QUEUE_SIZE value: %s, must be an integer", queueSize)
	}
	if size <= 0 {
		return 0, fmt.Errorf("RELAY_QUEUE_SIZE must be greater than 0")
	}
	return size, nil
}

// GetEnvRelayMaxAttempts returns the maximum delivery attempts from environment variables
func GetEnvRelayMaxAttempts() (int, error) {
	maxAttempts := os.Getenv("RELAY_MAX_ATTEMPTS")
	if maxAttempts == "" {
		return DefaultRelayMaxAttempts, nil
	}

	attempts, err := strconv.Atoi(maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("invalid RELAY_MAX_ATTEMPTS value: %s, must be an integer", maxAttempts)
	}
	if attempts <= 0 {
		return 0, fmt.Errorf("RELAY_MAX_ATTEMPTS must be greater than 0")
	}
	return attempts, nil
}

// GetEnvRelayRetryInterval returns the delivery retry backoff from environment variables
func GetEnvRelayRetryInterval() (time.Duration, error) {
	retryInterval := os.Getenv("RELAY_RETRY_INTERVAL")
	if retryInterval == "" {
		return DefaultRelayRetryInterval, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(retryInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid RELAY_RETRY_INTERVAL value: %s, must be a valid duration string", retryInterval)
	}
	return parsed, nil
}

// GetEnvBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvBreakerThreshold() (int, error) {
	threshold := os.Getenv("CIRCUIT_BREAKER_THRESHOLD")
	if threshold == "" {
		return DefaultBreakerThreshold, nil
	}

	thresholdInt, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD value: %s, must be an integer", threshold)
	}
	if thresholdInt <= 0 {
		return 0, fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be greater than 0")
	}
	return thresholdInt, nil
}

// GetEnvBreakerCooldown returns the circuit breaker reset timeout from environment variables
func GetEnvBreakerCooldown() (time.Duration, error) {
	reset := os.Getenv("CIRCUIT_BREAKER_RESET")
	if reset == "" {
		return DefaultBreakerCooldown, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(reset)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_RESET value: %s, must be a valid duration string", reset)
	}
	return parsed, nil
}

// GetEnvDuplicateEvery returns the duplicate delivery injection period from
// environment variables. Zero disables injection.
func GetEnvDuplicateEvery() (int, error) {
	duplicateEvery := os.Getenv("CHAOS_DUPLICATE_EVERY")
	if duplicateEvery == "" {
		return 0, nil
	}

	every, err := strconv.Atoi(duplicateEvery)
	if err != nil {
		return 0, fmt.Errorf("invalid CHAOS_DUPLICATE_EVERY value: %s, must be an integer", duplicateEvery)
	}
	if every < 0 {
		return 0, fmt.Errorf("CHAOS_DUPLICATE_EVERY must be greater than or equal to 0")
	}
	return every, nil
}

// GetEnvGlobalGasLimit returns the fallback destination gas limit from environment variables
func GetEnvGlobalGasLimit() (uint64, error) {
	gasLimit := os.Getenv("GLOBAL_GAS_LIMIT")
	if gasLimit == "" {
		return DefaultGlobalGasLimit, nil
	}

	limit, err := strconv.ParseUint(gasLimit, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid GLOBAL_GAS_LIMIT value: %s, must be an unsigned integer", gasLimit)
	}
	if limit == 0 {
		return 0, fmt.Errorf("GLOBAL_GAS_LIMIT must be greater than 0")
	}
	return limit, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		return logger.InfoLevel, nil
	}

	switch logLevel {
	case "debug":
		return logger.DebugLevel, nil
	case "info":
		return logger.InfoLevel, nil
	case "notice":
		return logger.NoticeLevel, nil
	case "error":
		return logger.ErrorLevel, nil
	}
	return 0, fmt.Errorf("invalid LOG_LEVEL value: %s, must be 'debug', 'info', 'notice' or 'error'", logLevel)
}

// GetEnvLogColoring returns whether log coloring is enabled from environment variables
func GetEnvLogColoring() (bool, error) {
	coloring := os.Getenv("LOG_COLORING")
	if coloring == "" {
		return true, nil
	}

	if coloring == "true" {
		return true, nil
	} else if coloring == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid LOG_COLORING value: %s, must be 'true' or 'false'", coloring)
}
