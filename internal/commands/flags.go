package commands

import "github.com/verbose/chat/internal/config"

// Flags holds global flag values shared by every command.
type Flags struct {
	LogLevel  string
	LogFormat string

	// Config is loaded lazily by commands that need the full environment.
	Config *config.Config
}
