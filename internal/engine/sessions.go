package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"climacore.dev/climacore/internal/sessions"
)

// defaultSessionTopic carries monitoring session commands from clients.
const defaultSessionTopic = "climacore/sessions"

// Session command actions.
const (
	sessionJoin  = "join"
	sessionLeave = "leave"
	sessionClear = "clear"
)

var errUnknownSessionAction = errors.New("unknown session action")

// SessionCommand is a join/leave/clear request from a monitoring client.
// Clear ignores the area and drops the owner's whole session, as on
// disconnect.
type SessionCommand struct {
	Action  string `json:"action"`
	OwnerID uint   `json:"ownerId"`
	Area    string `json:"area"`
}

// ParseSessionCommand decodes and validates a session command payload.
func ParseSessionCommand(payload []byte) (*SessionCommand, error) {
	var cmd SessionCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("malformed session command: %w", err)
	}

	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))
	switch cmd.Action {
	case sessionJoin, sessionLeave:
		if cmd.Area == "" {
			return nil, fmt.Errorf("session %s requires an area", cmd.Action)
		}
	case sessionClear:
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownSessionAction, cmd.Action)
	}

	if cmd.OwnerID == 0 {
		return nil, errors.New("session command requires an owner id")
	}

	return &cmd, nil
}

// ApplySessionCommand mutates the registry per the command.
func ApplySessionCommand(registry *sessions.Registry, cmd *SessionCommand) {
	switch cmd.Action {
	case sessionJoin:
		registry.Join(cmd.OwnerID, cmd.Area)
	case sessionLeave:
		registry.Leave(cmd.OwnerID, cmd.Area)
	case sessionClear:
		registry.LeaveAll(cmd.OwnerID)
	}
}

func (s *Server) sessionTopic() string {
	if s.config.SessionTopic != "" {
		return s.config.SessionTopic
	}
	return defaultSessionTopic
}

// handleSessionMessage processes one inbound session command. Malformed
// commands are logged and dropped, like any other bad payload.
func (s *Server) handleSessionMessage(topic string, payload []byte) {
	cmd, err := ParseSessionCommand(payload)
	if err != nil {
		s.logger.Warn("dropping session command",
			"topic", topic,
			"error", err,
		)
		return
	}

	ApplySessionCommand(s.sessions, cmd)
	s.logger.Info("session command applied",
		"action", cmd.Action,
		"owner_id", cmd.OwnerID,
		"area", cmd.Area,
	)
}
