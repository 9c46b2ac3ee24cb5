package ws

import (
	"encoding/json"
	"time"
)

// Message types on the signaling channel.
const (
	TypeJoinRoom         = "join-room"
	TypeJoinedRoom       = "joined-room"
	TypeWebRTCOffer      = "webrtc-offer"
	TypeWebRTCAnswer     = "webrtc-answer"
	TypeWebRTCIce        = "webrtc-ice"
	TypeRequestRepublish = "request-republish"
	TypeRepublishRequest = "republish-request"
	TypeHeartbeat        = "heartbeat"
	TypeHeartbeatAck     = "heartbeat-ack"
	TypeViolationAlert   = "violation-alert"
	TypeMobilePaired     = "mobile-paired"
	TypeSessionEnded     = "session-terminated"
	TypeParticipantLeft  = "participant-disconnected"
	TypeError            = "error-event"
)

// relayed maps client message types that fan out to the room onto the type
// the other members receive.
var relayed = map[string]string{
	TypeWebRTCOffer:      TypeWebRTCOffer,
	TypeWebRTCAnswer:     TypeWebRTCAnswer,
	TypeWebRTCIce:        TypeWebRTCIce,
	TypeRequestRepublish: TypeRepublishRequest,
	TypeViolationAlert:   TypeViolationAlert,
}

// Inbound is a client frame. Payload is never inspected for relayed types.
type Inbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Role      string          `json:"role,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server frame. From is the sending connection id, empty for
// server-originated messages.
type Outbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"from,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func encode(msgType, sessionID, from string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Outbound{
		Type:      msgType,
		SessionID: sessionID,
		From:      from,
		At:        time.Now().UTC(),
		Payload:   raw,
	})
}
