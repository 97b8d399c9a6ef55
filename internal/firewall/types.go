package firewall

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errInvalidFormat = errors.New("invalid message format")

// Level is the threat level attached to an inspection result.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
	LevelUnknown  Level = "unknown"
)

// Result is the fail-closed verdict of one inspection. When Allowed is
// false, Reason is always non-empty.
type Result struct {
	Allowed     bool
	Reason      string
	ThreatLevel Level
	ThreatScore float64
}

// MessageType is the closed set of Agent Message discriminants.
type MessageType string

const (
	MsgSessionsSend  MessageType = "sessions_send"
	MsgSessionsSpawn MessageType = "sessions_spawn"
	MsgSessionsReply MessageType = "sessions_reply"
	MsgAPICall       MessageType = "api_call"
	MsgSkillExecute  MessageType = "skill_execute"
	MsgPing          MessageType = "ping"
)

const (
	maxContentLen = 100_000
	maxBodyLen    = 1_048_576
)

// rawMessage mirrors the wire shape of an Agent Message for structural
// validation; unknown top-level fields are rejected by decoding with
// DisallowUnknownFields.
type rawMessage struct {
	Type          MessageType       `json:"type"`
	Content       *string           `json:"content,omitempty"`
	TargetAgentID *string           `json:"targetAgentId,omitempty"`
	URL           *string           `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          *string           `json:"body,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Message is the validated, typed form of an Agent Message.
type Message struct {
	Type          MessageType
	Content       string
	HasContent    bool
	TargetAgentID string
	HasTarget     bool
	URL           string
	Headers       map[string]string
	Body          string
	HasBody       bool
	Metadata      map[string]any
}

var validMessageTypes = map[MessageType]bool{
	MsgSessionsSend:  true,
	MsgSessionsSpawn: true,
	MsgSessionsReply: true,
	MsgAPICall:       true,
	MsgSkillExecute:  true,
	MsgPing:          true,
}

// ParseMessage performs structural validation of raw JSON against the
// Agent Message schema, yielding either a typed value or an error. The
// message type is validated once here, against a closed enum, rather
// than re-checked at each dispatch site.
func ParseMessage(raw []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var rm rawMessage
	if err := dec.Decode(&rm); err != nil {
		return Message{}, errInvalidFormat
	}

	if !validMessageTypes[rm.Type] {
		return Message{}, errInvalidFormat
	}

	msg := Message{Type: rm.Type, Headers: rm.Headers, Metadata: rm.Metadata}

	if rm.Content != nil {
		if len(*rm.Content) > maxContentLen {
			return Message{}, errInvalidFormat
		}
		msg.Content = *rm.Content
		msg.HasContent = true
	}
	if rm.TargetAgentID != nil {
		msg.TargetAgentID = *rm.TargetAgentID
		msg.HasTarget = true
	}
	if rm.URL != nil {
		msg.URL = *rm.URL
	}
	if rm.Body != nil {
		if len(*rm.Body) > maxBodyLen {
			return Message{}, errInvalidFormat
		}
		msg.Body = *rm.Body
		msg.HasBody = true
	}

	return msg, nil
}

// ThreatEvent is the persisted record of one deny decision.
type ThreatEvent struct {
	AgentID    string
	ThreatType string
	Severity   Level
	Details    json.RawMessage
}

// threatSeverity is the fixed threat-type -> severity mapping the
// orchestrator applies when recording a Threat Event.
var threatSeverity = map[string]Level{
	"rule_violation":                   LevelMedium,
	"high_threat_score":                LevelHigh,
	"prompt_injection":                 LevelCritical,
	"data_exfiltration":                LevelCritical,
	"unauthorized_agent_communication": LevelHigh,
	"infinite_loop":                    LevelMedium,
	"rate_limit_exceeded":              LevelLow,
	"malware_detected":                 LevelCritical,
	"credential_leak":                  LevelCritical,
	"websocket_abuse":                  LevelMedium,
}
