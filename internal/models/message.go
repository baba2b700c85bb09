package models

import (
	"time"

	"github.com/rvlink/canhub/pkg/signal"
)

// Protocol names the two wire protocols the pipeline decodes.
type Protocol string

const (
	ProtocolRVC   Protocol = "rvc"
	ProtocolJ1939 Protocol = "j1939"
)

// DecodedMessage is the result of a successful protocol decode. The
// original payload is retained for diagnostics; validation fills Anomalies
// before the message leaves the pipeline.
type DecodedMessage struct {
	Protocol  Protocol                `json:"protocol"`
	MsgID     uint32                  `json:"msgId"`
	Name      string                  `json:"name"`
	System    string                  `json:"system"`
	Source    uint8                   `json:"source"`
	Channel   string                  `json:"channel"`
	Timestamp time.Time               `json:"timestamp"`
	Signals   map[string]signal.Value `json:"signals"`
	Payload   []byte                  `json:"payload"`
	Anomalies []string                `json:"anomalies,omitempty"`
}

// EntityUpdate is a protocol-agnostic state change for one RV subsystem
// entity, produced by the bridge or by the native house-coach decoder and
// handed to the external entity-management component.
type EntityUpdate struct {
	EntityID  string             `json:"entityId"`
	System    string             `json:"system"`
	Values    map[string]float64 `json:"values"`
	Anomalies []string           `json:"anomalies,omitempty"`
	Source    Protocol           `json:"source"`
	Timestamp time.Time          `json:"timestamp"`
}

// Command is a validated high-level request against one entity, submitted
// by the external API layer and encoded into outbound frames.
type Command struct {
	EntityID string             `json:"entityId"`
	Name     string             `json:"name"`
	Values   map[string]float64 `json:"values"`
	Raw      map[string][]byte  `json:"raw,omitempty"` // for opaque signals (display text)
}
