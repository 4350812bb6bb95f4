package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/vibration"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 512
)

// streamMessage is the envelope pushed over /ws/status. Type is "status"
// for periodic snapshots and "alert" for dispatched alerts.
type streamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// handleStatusStream upgrades to websocket and pushes a status snapshot
// every push interval, plus alert events as they are dispatched. The
// client is not expected to send anything; its reads only signal close.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		http.Error(w, "status aggregator not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	subID := fmt.Sprintf("ws-%d", s.wsSeq.Add(1))
	var alerts <-chan vibration.Alert
	if s.deps.Dispatcher != nil {
		ch, err := s.deps.Dispatcher.Subscribe(subID)
		if err != nil {
			s.logger.Warn("alert subscription failed", zap.String("subscriber", subID), zap.Error(err))
		} else {
			alerts = ch
		}
	}
	defer func() {
		if alerts != nil {
			s.deps.Dispatcher.Unsubscribe(subID)
		}
		conn.Close()
	}()

	// The server's read deadline carries over from the handshake; clear
	// it so an idle client is not cut off.
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Time{})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := func(msg streamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	}

	if err := push(streamMessage{Type: "status", Data: s.deps.Aggregator.Snapshot(time.Now())}); err != nil {
		return
	}

	interval := s.cfg.PushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug("status stream opened", zap.String("subscriber", subID))
	for {
		select {
		case <-closed:
			s.logger.Debug("status stream closed by client", zap.String("subscriber", subID))
			return
		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			if err := push(streamMessage{Type: "alert", Data: a}); err != nil {
				return
			}
		case <-ticker.C:
			if err := push(streamMessage{Type: "status", Data: s.deps.Aggregator.Snapshot(time.Now())}); err != nil {
				return
			}
		}
	}
}
