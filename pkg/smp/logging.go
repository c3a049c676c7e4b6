// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// SetupLogging applies a Config's logLevel and logFile to the standard logrus logger.
//
// An opened log file is returned and must be closed by the caller after logging was redirected again. Log lines are
// written to both the file and stderr.
func SetupLogging(conf Config) (io.Closer, error) {
	if level, ok := conf.LogLevel.Level(); ok {
		log.SetLevel(level)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	if conf.LogFile == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(conf.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s failed: %w", conf.LogFile, err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))

	log.WithFields(log.Fields{
		"file":  conf.LogFile,
		"level": log.GetLevel(),
		"time":  time.Now().Format(time.RFC3339),
	}).Info("Logging started")

	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
