// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/smp"
)

// echoHandler logs the events of an accepted Connection and optionally echoes its packets.
type echoHandler struct {
	echo     bool
	greeting string
}

func (eh *echoHandler) log(conn *smp.Connection) *log.Entry {
	return log.WithFields(log.Fields{
		"conn":   conn.ID(),
		"remote": conn.RemoteAddr(),
	})
}

func (eh *echoHandler) OnConnectResult(conn *smp.Connection, code int, msg string) {
	eh.log(conn).WithFields(log.Fields{
		"target": conn.Target(),
		"code":   code,
		"msg":    msg,
	}).Info("Accepted connection")

	if eh.greeting == "" {
		return
	}
	if s, code := conn.OpenStream(); code != smp.CodeOK {
		eh.log(conn).WithField("code", code).Warn("Opening greeting stream failed")
	} else {
		s.SendText(eh.greeting)
	}
}

func (eh *echoHandler) OnStreamCreated(conn *smp.Connection, s *smp.Stream) {
	eh.log(conn).WithField("stream", s.ID()).Debug("Stream created")
}

func (eh *echoHandler) OnStreamClosed(conn *smp.Connection, s *smp.Stream) {
	eh.log(conn).WithField("stream", s.ID()).Debug("Stream closed")
}

func (eh *echoHandler) OnRecvCmd(conn *smp.Connection, ts int64, transID int32, s *smp.Stream, payload []byte) {
	eh.log(conn).WithFields(log.Fields{
		"stream":    s.ID(),
		"timestamp": ts,
		"trans":     transID,
		"size":      len(payload),
	}).Debug("Received CMD")

	if eh.echo {
		s.SendCmd(transID, payload)
	}
}

func (eh *echoHandler) OnRecvData(conn *smp.Connection, ts int64, transID int32, s *smp.Stream, payload []byte) {
	eh.log(conn).WithFields(log.Fields{
		"stream":    s.ID(),
		"timestamp": ts,
		"size":      len(payload),
	}).Debug("Received DATA")

	if eh.echo {
		s.SendData(payload)
	}
}

func (eh *echoHandler) OnRecvUserControl(conn *smp.Connection, _ int64, transID, streamID int32, payload []byte) {
	eh.log(conn).WithFields(log.Fields{
		"stream": streamID,
		"trans":  transID,
		"size":   len(payload),
	}).Info("Received USER_CONTROL")
}

func (eh *echoHandler) OnClosed(conn *smp.Connection, reason string) {
	eh.log(conn).WithField("reason", reason).Info("Connection closed")
}

func (eh *echoHandler) OnException(conn *smp.Connection, msg string) {
	eh.log(conn).WithField("exception", msg).Warn("Connection reported an exception")
}
