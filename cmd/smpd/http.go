// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/smp"
)

// connectionInfo is the JSON view on a live Connection.
type connectionInfo struct {
	ID         string           `json:"id"`
	Remote     string           `json:"remote"`
	Target     string           `json:"target"`
	State      string           `json:"state"`
	Congestion string           `json:"congestion"`
	Stats      map[string]int64 `json:"stats"`
}

// newRouter serves WebSocket sessions and the Listener's statistics.
func newRouter(conf httpConf, listener *smp.Listener) *mux.Router {
	router := mux.NewRouter()

	router.Handle(conf.WebSocket, listener)

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, listener.Stats())
	}).Methods(http.MethodGet)

	router.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		conns := listener.Connections()
		infos := make([]connectionInfo, 0, len(conns))
		for _, conn := range conns {
			infos = append(infos, newConnectionInfo(conn))
		}
		writeJSON(w, infos)
	}).Methods(http.MethodGet)

	router.HandleFunc("/connections/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn := listener.Connection(smp.ConnectionID(id))
		if conn == nil {
			http.NotFound(w, r)
			return
		}

		if r.Method == http.MethodDelete {
			writeJSON(w, map[string]string{"result": conn.Close().String()})
		} else {
			writeJSON(w, newConnectionInfo(conn))
		}
	}).Methods(http.MethodGet, http.MethodDelete)

	if conf.Metrics {
		router.Handle("/metrics", promhttp.HandlerFor(listener.Registry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	return router
}

func newConnectionInfo(conn *smp.Connection) connectionInfo {
	info := connectionInfo{
		ID:         strconv.FormatUint(uint64(conn.ID()), 10),
		Target:     conn.Target(),
		State:      conn.State().String(),
		Congestion: conn.Algorithm().String(),
		Stats:      conn.Stats(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		info.Remote = addr.String()
	}
	return info
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Writing HTTP response errored")
	}
}

// startHTTP runs an HTTP server in the background. Startup errors within the first moments are returned.
func startHTTP(address string, handler http.Handler) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	startupErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}
		close(startupErr)
	}()

	select {
	case err := <-startupErr:
		return nil, err
	case <-time.After(100 * time.Millisecond):
		log.WithField("address", address).Info("Started HTTP server")
		return httpServer, nil
	}
}
