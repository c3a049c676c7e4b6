// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// smpd is a stand-alone smp listener. It accepts QUIC and WebSocket sessions, echoes their packets and serves
// statistics over HTTP.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/smp"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// logSink holds the currently opened log file.
type logSink struct {
	mutex  sync.Mutex
	closer io.Closer
}

// swap in a new log file and close the previous one.
func (ls *logSink) swap(closer io.Closer) {
	ls.mutex.Lock()
	old := ls.closer
	ls.closer = closer
	ls.mutex.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func (ls *logSink) Close() error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if ls.closer == nil {
		return nil
	}
	err := ls.closer.Close()
	ls.closer = nil
	return err
}

// watchLogging re-applies the logging block of the configuration file after each change.
func watchLogging(filename string, sink *logSink) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files; watching the directory survives this
	if err = watcher.Add(filepath.Dir(filename)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != filepath.Clean(filename) || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				conf, err := parseConfig(filename)
				if err != nil {
					log.WithError(err).Warn("Ignoring changed configuration")
					continue
				}

				closer, err := smp.SetupLogging(conf.SMP)
				if err != nil {
					log.WithError(err).Warn("Reconfiguring logging failed")
					continue
				}
				sink.swap(closer)

				log.WithField("level", log.GetLevel()).Info("Reloaded logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Watching the configuration errored")
			}
		}
	}()

	return watcher, nil
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}
	filename := os.Args[1]

	conf, err := parseConfig(filename)
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	logFile, err := smp.SetupLogging(conf.SMP)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up logging")
	}
	sink := &logSink{closer: logFile}

	if conf.Daemon.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	watcher, err := watchLogging(filename, sink)
	if err != nil {
		log.WithError(err).Warn("Configuration changes will not be applied")
	}

	handler := &echoHandler{echo: conf.Daemon.Echo, greeting: conf.Daemon.Greeting}
	listener, err := smp.NewListener(conf.SMP, func(conn *smp.Connection) smp.ConnectionHandler {
		return handler
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to start listener")
	}

	log.WithFields(log.Fields{
		"address":    listener.Addr(),
		"congestion": conf.SMP.CongestCtrl,
		"idle":       conf.SMP.IdleTimeout(),
		"keepalive":  conf.SMP.KeepaliveInterval(),
	}).Info("smpd is running")

	var httpErr error
	if conf.HTTP.Listen != "" {
		httpServer, err := startHTTP(conf.HTTP.Listen, newRouter(conf.HTTP, listener))
		if err != nil {
			log.WithError(err).Error("Failed to start HTTP server")
			httpErr = err
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(ctx)
			}()
		}
	}

	if httpErr == nil {
		waitSigint()
		log.Info("Shutting down..")
	}

	if err := listener.Close(); err != nil {
		log.WithError(err).Warn("Closing listener errored")
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	_ = sink.Close()
}
