package main

import (
	"os"

	"github.com/vettaio/vetta/pkg/logger"
)

// Environment fallbacks for logging flags.
const (
	logFileEnvVar   = "LOG_FILE"
	logLevelEnvVar  = "LOG_LEVEL"
	logFormatEnvVar = "LOG_FORMAT"
)

// initLoggerFromCLI initializes the process logger.
// Priority: CLI flags > env vars > defaults.
func initLoggerFromCLI(cli *CLI) (func(), error) {
	logLevel := cli.LogLevel
	if cli.Debug {
		logLevel = "debug"
	}
	if logLevel == "" {
		logLevel = os.Getenv(logLevelEnvVar)
	}
	if logLevel == "" {
		logLevel = "info"
	}

	logFile := cli.LogFile
	if logFile == "" {
		logFile = os.Getenv(logFileEnvVar)
	}

	logFormat := cli.LogFormat
	if logFormat == "" {
		logFormat = os.Getenv(logFormatEnvVar)
	}
	if logFormat == "" {
		logFormat = "simple"
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if logFile != "" {
		file, closeFile, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}
