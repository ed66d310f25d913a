package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/scheduler"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// session is one connected browser page. Created on upgrade, destroyed
// on close, mutated only by its own pumps.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	targetName        string
	elmWatchVersion   string
	compiledTimestamp int64
}

// params is the decoded connection query string.
type params struct {
	version   string
	target    string
	timestamp int64
}

// upgrade validates the URL, accepts the socket, and either starts the
// session pumps or pushes a single client error and closes.
func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Pages are served from the user's own dev server (any origin),
		// so auth happens via the URL parameters instead.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn(err, "websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	if r.URL.Path != "/" {
		h.reject(conn, "UrlMismatch",
			fmt.Sprintf("the WebSocket path must begin with /?, got %s", r.URL.Path))
		return
	}

	p, err := decodeParams(r.URL.Query())
	if err != nil {
		h.reject(conn, "ParamsDecodeError", err.Error())
		return
	}

	if p.version != protocol.Version {
		h.reject(conn, "VersionMismatch", fmt.Sprintf(
			"this server is elm-watch %s but the page was compiled by %s; reload the page",
			protocol.Version, p.version,
		))
		return
	}

	target := h.cfg.TargetByName(p.target)
	if target == nil {
		var enabled []string
		for _, t := range h.cfg.EnabledTargets() {
			enabled = append(enabled, t.Name)
		}
		h.record(fmt.Sprintf("web socket connected with errors for: %s", p.target))
		h.reject(conn, "TargetNotFound", fmt.Sprintf(
			"unknown target %q. Enabled targets: %s. Disabled targets: %s",
			p.target,
			strings.Join(enabled, ", "),
			strings.Join(h.cfg.DisabledTargetNames(), ", "),
		))
		return
	}
	if !target.Enabled {
		h.record(fmt.Sprintf("web socket connected with errors for: %s", p.target))
		h.reject(conn, "TargetDisabled", fmt.Sprintf(
			"target %q is disabled for this run; restart elm-watch with it included", p.target,
		))
		return
	}

	s := &session{
		hub:               h,
		conn:              conn,
		send:              make(chan []byte, 64),
		targetName:        p.target,
		elmWatchVersion:   p.version,
		compiledTimestamp: p.timestamp,
	}

	h.register(s)

	go s.writePump()
	go s.readPump()
}

func decodeParams(query map[string][]string) (params, error) {
	get := func(key string) (string, error) {
		values := query[key]
		if len(values) != 1 || values[0] == "" {
			return "", fmt.Errorf("expected exactly one non-empty %q query parameter", key)
		}

		return values[0], nil
	}

	version, err := get("elmWatchVersion")
	if err != nil {
		return params{}, err
	}
	target, err := get("targetName")
	if err != nil {
		return params{}, err
	}
	rawTimestamp, err := get("elmCompiledTimestamp")
	if err != nil {
		return params{}, err
	}
	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return params{}, fmt.Errorf("elmCompiledTimestamp is not a number: %v", err)
	}

	return params{version: version, target: target, timestamp: timestamp}, nil
}

// reject pushes one ClientError status and closes cleanly.
func (h *Hub) reject(conn *websocket.Conn, code, message string) {
	payload, err := protocol.EncodeServerMessage(protocol.StatusChanged{
		Status: protocol.Status{
			Tag:     protocol.StatusClientError,
			Message: fmt.Sprintf("%s: %s", code, message),
		},
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		_ = conn.Write(ctx, websocket.MessageText, payload)
		cancel()
	}

	_ = conn.Close(websocket.StatusNormalClosure, code)
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	if h.sessions[s.targetName] == nil {
		h.sessions[s.targetName] = make(map[*session]bool)
	}
	h.sessions[s.targetName][s] = true
	h.mu.Unlock()

	h.record(fmt.Sprintf("web socket connected for: %s", s.targetName))
	h.notify(scheduler.SessionConnected{TargetName: s.targetName})
}

// notify forwards an event to the scheduler without ever blocking a
// pump; during shutdown the loop may already be gone.
func (h *Hub) notify(event scheduler.Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn(nil, "dropping a scheduler event; the loop is not consuming")
	}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if peers, ok := h.sessions[s.targetName]; ok {
		if peers[s] {
			delete(peers, s)
			close(s.send)
		}
		if len(peers) == 0 {
			delete(h.sessions, s.targetName)
		}
	}
	h.mu.Unlock()

	h.notify(scheduler.SessionDisconnected{TargetName: s.targetName})
}

func (h *Hub) closeAllSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, peers := range h.sessions {
		for s := range peers {
			close(s.send)
			_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
	h.sessions = make(map[string]map[*session]bool)
}

// Broadcast implements scheduler.StatusSink: deliver msg to every
// session of a target.
func (h *Hub) Broadcast(targetName string, msg protocol.ServerMessage) {
	payload, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		h.logger.Error(err, "could not encode a server message", "target", targetName)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.sessions[targetName] {
		select {
		case s.send <- payload:
		default:
			// The session's pump is wedged; dropping beats blocking the
			// scheduler loop.
			h.logger.Warn(nil, "dropping a message to a slow session", "target", targetName)
		}
	}
}

// HasSessions implements scheduler.StatusSink.
func (h *Hub) HasSessions(targetName string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[targetName]) > 0
}

func (h *Hub) record(description string) {
	if h.ring != nil {
		h.ring.Add(time.Now(), description)
	}
}

// readPump receives client intents until the socket closes.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister(s)
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()

	for {
		readCtx, cancel := context.WithTimeout(ctx, pongWait)
		_, data, err := s.conn.Read(readCtx)
		cancel()

		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.hub.logger.Debug("websocket read ended", "target", s.targetName, "error", err.Error())
			}
			return
		}

		s.handleMessage(data)
	}
}

// handleMessage converts one client message into scheduler events or hub
// actions.
func (s *session) handleMessage(data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var unknown *protocol.UnknownTagError
		message := err.Error()
		if errors.As(err, &unknown) {
			message = unknown.Error()
		}
		s.pushStatus(protocol.Status{Tag: protocol.StatusClientError, Message: message})
		return
	}

	switch m := msg.(type) {
	case protocol.ChangedCompilationMode:
		s.hub.notify(scheduler.ModeChanged{TargetName: s.targetName, Mode: m.CompilationMode})

	case protocol.ChangedBrowserUiPosition:
		s.hub.notify(scheduler.UiPositionChanged{TargetName: s.targetName, Position: m.BrowserUiPosition})

	case protocol.ChangedOpenErrorOverlay:
		s.hub.notify(scheduler.OverlayChanged{TargetName: s.targetName, Open: m.OpenErrorOverlay})

	case protocol.FocusedTab:
		s.hub.notify(scheduler.FocusedTarget{TargetName: s.targetName})

	case protocol.PressedOpenEditor:
		// Editor opening is the hub's own concern; failures go straight
		// back to this session.
		go s.hub.openEditor(s, m)
	}
}

// pushStatus queues one status message for this session only.
func (s *session) pushStatus(status protocol.Status) {
	payload, err := protocol.EncodeServerMessage(protocol.StatusChanged{Status: status})
	if err != nil {
		return
	}

	select {
	case s.send <- payload:
	default:
	}
}

// pushMessage queues an arbitrary server message for this session only.
func (s *session) pushMessage(msg protocol.ServerMessage) {
	payload, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		return
	}

	select {
	case s.send <- payload:
	default:
	}
}

// writePump delivers queued messages and keeps the connection alive with
// pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := s.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
