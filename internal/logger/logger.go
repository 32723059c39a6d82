package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "rise").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Reconciler creates a logger for the deployment state-machine loop.
func Reconciler() *zerolog.Logger {
	l := Log.With().Str("component", "reconciler").Logger()
	return &l
}

// RegistryBroker creates a logger for registry-credential operations.
func RegistryBroker() *zerolog.Logger {
	l := Log.With().Str("component", "registrybroker").Logger()
	return &l
}

// Runtime creates a logger for the runtime adapter (k8s/docker).
func Runtime() *zerolog.Logger {
	l := Log.With().Str("component", "runtime").Logger()
	return &l
}

// IngressAuth creates a logger for the ingress sign-in and subrequest path.
func IngressAuth() *zerolog.Logger {
	l := Log.With().Str("component", "ingressauth").Logger()
	return &l
}

// OAuthProxy creates a logger for the OAuth extension authorization server.
func OAuthProxy() *zerolog.Logger {
	l := Log.With().Str("component", "oauthproxy").Logger()
	return &l
}

// Database creates a logger for store events.
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
