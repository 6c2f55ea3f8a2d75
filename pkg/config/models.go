package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Session   SessionConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int `mapstructure:"maxPerIP"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// SessionConfig drives the idle-reclamation sweeper. EmptyGrace applies to
// sessions with no members; OrphanAfter evicts a session regardless of
// membership (abandoned sockets after a relay hiccup).
type SessionConfig struct {
	EmptyGrace    time.Duration `mapstructure:"emptyGrace"`
	OrphanAfter   time.Duration `mapstructure:"orphanAfter"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type LoggingConfig struct {
	Level string
}
