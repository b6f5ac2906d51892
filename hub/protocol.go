package hub

import "github.com/gridfeed/gridfeed/common"

// Client-initiated actions
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Server-emitted events (record pushes use common.ChangeRecord.EventName)
const (
	EventJoined   = "joined"
	EventRejected = "rejected"
	EventLeft     = "left"
)

// Rejection reasons
const (
	ReasonForbidden = "forbidden"
)

// ClientFrame is one inbound websocket message. Only join and leave
// exist; anything else is ignored without state change.
type ClientFrame struct {
	Action  string `json:"action"`
	PlantID string `json:"plantId,omitempty"`
}

// ServerFrame is one outbound websocket message: a membership ack or a
// routed change record.
type ServerFrame struct {
	Event   string               `json:"event"`
	PlantID string               `json:"plantId,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Record  *common.ChangeRecord `json:"record,omitempty"`
}
