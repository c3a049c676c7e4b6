// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/congestion"
)

// Config of a Connector, a Listener or a single Connection. It is copied when used, later changes have no effect.
type Config struct {
	Hostname  string `toml:"hostname"`
	Port      int    `toml:"port"`
	Backlog   int    `toml:"backlog"`
	ReusePort bool   `toml:"reusePort"`

	SSL             bool   `toml:"ssl"`
	PrivateKeyFile  string `toml:"privateKeyFile"`
	CertificateFile string `toml:"certificateFile"`

	TaskThreads  int `toml:"taskThreads"`
	TimerThreads int `toml:"timerThreads"`

	// IdleTimeOut in milliseconds; zero disables the idle timeout.
	IdleTimeOut int64 `toml:"idleTimeOut"`

	ALPN           string               `toml:"alpn"`
	MaxConnections int                  `toml:"maxConnections"`
	CongestCtrl    congestion.Algorithm `toml:"congestCtrl"`

	PingOn bool `toml:"pingOn"`
	// PingInterval in milliseconds.
	PingInterval int64 `toml:"pingInterval"`

	LogFile  string   `toml:"logFile"`
	LogLevel LogLevel `toml:"logLevel"`

	// Clock drives all timers. A nil Clock falls back to the wall clock.
	Clock clock.Clock `toml:"-"`
}

// DefaultConfig returns the defaults for a local QUIC listener on port 8003.
func DefaultConfig() Config {
	return Config{
		Hostname:       "localhost",
		Port:           8003,
		Backlog:        1000,
		TaskThreads:    16,
		TimerThreads:   4,
		IdleTimeOut:    20000,
		ALPN:           "ttsignal",
		MaxConnections: 1000,
		CongestCtrl:    congestion.Default,
		PingOn:         false,
		PingInterval:   10000,
		LogFile:        "smp.log",
	}
}

// LoadConfig overlays a TOML file on the DefaultConfig.
func LoadConfig(filename string) (conf Config, err error) {
	conf = DefaultConfig()

	md, err := toml.DecodeFile(filename, &conf)
	if err != nil {
		return
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.WithFields(log.Fields{
			"file": filename,
			"keys": undecoded,
		}).Warn("Configuration contains unknown keys")
	}

	err = conf.Validate()
	return
}

// Validate checks the Config for errors.
func (conf Config) Validate() error {
	switch {
	case conf.Port < 0 || conf.Port > 0xffff:
		return fmt.Errorf("port %d is out of range", conf.Port)
	case conf.Backlog <= 0:
		return fmt.Errorf("backlog must be positive, not %d", conf.Backlog)
	case conf.TaskThreads <= 0:
		return fmt.Errorf("taskThreads must be positive, not %d", conf.TaskThreads)
	case conf.TimerThreads <= 0:
		return fmt.Errorf("timerThreads must be positive, not %d", conf.TimerThreads)
	case conf.IdleTimeOut < 0:
		return fmt.Errorf("idleTimeOut must not be negative, not %d", conf.IdleTimeOut)
	case conf.PingOn && conf.PingInterval <= 0:
		return fmt.Errorf("pingInterval must be positive when pingOn is set, not %d", conf.PingInterval)
	case conf.ALPN == "":
		return fmt.Errorf("alpn must not be empty")
	case conf.MaxConnections < 0:
		return fmt.Errorf("maxConnections must not be negative, not %d", conf.MaxConnections)
	case !conf.CongestCtrl.IsValid():
		return fmt.Errorf("invalid congestCtrl %v", conf.CongestCtrl)
	case conf.SSL && (conf.CertificateFile == "" || conf.PrivateKeyFile == ""):
		return fmt.Errorf("ssl requires both certificateFile and privateKeyFile")
	default:
		return nil
	}
}

// Address to listen on or to dial by default.
func (conf Config) Address() string {
	return net.JoinHostPort(conf.Hostname, strconv.Itoa(conf.Port))
}

// IdleTimeout as a time.Duration.
func (conf Config) IdleTimeout() time.Duration {
	return time.Duration(conf.IdleTimeOut) * time.Millisecond
}

// KeepaliveInterval as a time.Duration; zero if pings are disabled.
func (conf Config) KeepaliveInterval() time.Duration {
	if !conf.PingOn {
		return 0
	}
	return time.Duration(conf.PingInterval) * time.Millisecond
}

// LogLevel wraps a logrus level. Its zero value keeps the current level.
type LogLevel struct {
	level log.Level
	set   bool
}

// NewLogLevel for a logrus level.
func NewLogLevel(level log.Level) LogLevel {
	return LogLevel{level: level, set: true}
}

// Level returns the logrus level and whether a level was configured at all.
func (ll LogLevel) Level() (log.Level, bool) {
	return ll.level, ll.set
}

func (ll LogLevel) String() string {
	if !ll.set {
		return "unset"
	}
	return ll.level.String()
}

// legacyLogLevels maps the numeric levels of older configuration files.
var legacyLogLevels = map[int64]log.Level{
	1: log.DebugLevel,
	2: log.InfoLevel,
	3: log.WarnLevel,
	4: log.ErrorLevel,
	5: log.FatalLevel,
}

// legacyLogLetters maps single letter abbreviations.
var legacyLogLetters = map[string]log.Level{
	"T": log.TraceLevel,
	"D": log.DebugLevel,
	"I": log.InfoLevel,
	"W": log.WarnLevel,
	"E": log.ErrorLevel,
	"F": log.FatalLevel,
}

// UnmarshalTOML accepts the legacy integers 1 to 5, single letters or logrus level names.
func (ll *LogLevel) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case int64:
		if v == 0 {
			*ll = LogLevel{}
			return nil
		}
		if level, ok := legacyLogLevels[v]; ok {
			*ll = NewLogLevel(level)
			return nil
		}
		return fmt.Errorf("unknown log level %d", v)

	case string:
		return ll.UnmarshalText([]byte(v))

	default:
		return fmt.Errorf("log level must be a string or an integer, not %T", value)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ll *LogLevel) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*ll = LogLevel{}
		return nil
	}

	if level, ok := legacyLogLetters[strings.ToUpper(s)]; ok && len(s) == 1 {
		*ll = NewLogLevel(level)
		return nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ll.UnmarshalTOML(n)
	}

	level, err := log.ParseLevel(s)
	if err != nil {
		return err
	}
	*ll = NewLogLevel(level)
	return nil
}
