package chat

import (
	"time"

	"github.com/sirupsen/logrus"
)

// The Config for a chat server.
type Config struct {
	// Port is the TCP port the server listens on. By default it's 6969.
	Port uint16 `json:"port"`

	// BanLimit is how long a banned IP stays blocked. By default it's 10 minutes.
	BanLimit time.Duration `json:"banLimit"`

	// MessageRate is the minimum gap between two messages from the same
	// client. A message arriving sooner than that is dropped and the IP is
	// striked. By default it's 1 second.
	MessageRate time.Duration `json:"messageRate"`

	// SlowlorisLimit is the longest a connection may stay unauthenticated.
	// By default it's 200 milliseconds.
	SlowlorisLimit time.Duration `json:"slowlorisLimit"`

	// StrikeLimit is how many strikes an IP is allowed before the next one
	// bans it. By default it's 10.
	StrikeLimit int `json:"strikeLimit"`

	// SafeMode replaces addresses and error detail in log output with a
	// redaction marker. Off by default.
	SafeMode bool `json:"safeMode"`

	// Logger receives all server log output. If nil, the logrus standard
	// logger is used.
	Logger *logrus.Logger `json:"-"`
}

// WithDefaults returns the config with the default values
func (config Config) WithDefaults() Config {
	if config.Port == 0 {
		config.Port = 6969
	}
	if config.BanLimit == 0 {
		config.BanLimit = time.Minute * 10
	}
	if config.MessageRate == 0 {
		config.MessageRate = time.Second
	}
	if config.SlowlorisLimit == 0 {
		config.SlowlorisLimit = time.Millisecond * 200
	}
	if config.StrikeLimit == 0 {
		config.StrikeLimit = 10
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	return config
}
