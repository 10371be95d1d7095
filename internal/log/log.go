// Package log provides structured, colored logging for the invites daemon.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Node    zerolog.Logger
	Sync    zerolog.Logger
	Live    zerolog.Logger
	Invites zerolog.Logger
	Stake   zerolog.Logger
	Ledger  zerolog.Logger
	Feed    zerolog.Logger
	Notify  zerolog.Logger
	P2P     zerolog.Logger
	RPC     zerolog.Logger
	Wallet  zerolog.Logger
	Storage zerolog.Logger
)

// components maps each component logger to its field value.
var components = []struct {
	logger *zerolog.Logger
	name   string
}{
	{&Node, "node"},
	{&Sync, "sync"},
	{&Live, "live"},
	{&Invites, "invites"},
	{&Stake, "stake"},
	{&Ledger, "ledger"},
	{&Feed, "feed"},
	{&Notify, "notify"},
	{&P2P, "p2p"},
	{&RPC, "rpc"},
	{&Wallet, "wallet"},
	{&Storage, "storage"},
}

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and the file (always JSON for machine parsing).
func Init(level string, jsonOutput bool, file string) error {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}

	out := console
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(console, f)
	}

	Logger = newLogger(out, level)
	initComponentLoggers()
	return nil
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w), level)
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a config level to a zerolog.Level. Unknown and empty
// levels mean info.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func initComponentLoggers() {
	for _, c := range components {
		*c.logger = WithComponent(c.name)
	}
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithUser scopes l to an own user.
func WithUser(l zerolog.Logger, userID string) zerolog.Logger {
	return l.With().Str("user", userID).Logger()
}

// WithContact scopes l to one of a user's contacts.
func WithContact(l zerolog.Logger, userID, contactID string) zerolog.Logger {
	return l.With().Str("user", userID).Str("contact", contactID).Logger()
}

// SetOutput replaces the global logger with one writing JSON to w.
// Component loggers are rebuilt so they follow the new output.
func SetOutput(w io.Writer, level string) {
	Logger = NewJSONLogger(w, level)
	initComponentLoggers()
}
