package domain

import "time"

// EntityType is the kind of entity a notification refers to.
type EntityType string

const (
	EntityToken    EntityType = "token"
	EntityPool     EntityType = "pool"
	EntityProtocol EntityType = "protocol"
)

// MetricKind is the derived metric that changed.
type MetricKind string

const (
	MetricPrice  MetricKind = "price"
	MetricVolume MetricKind = "volume"
	MetricTVL    MetricKind = "tvl"
	// MetricState marks discrete changes such as a pool coming into existence.
	MetricState MetricKind = "state"
)

// ProtocolEntityID is the entity ID used for protocol-wide metrics.
const ProtocolEntityID = "protocol"

// ChangeNotification tells subscribers that a derived metric moved.
type ChangeNotification struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	MetricKind MetricKind `json:"metric_kind"`
	Value      string     `json:"value,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Channel returns the bus channel a notification is published on.
func (n ChangeNotification) Channel() string {
	return NotificationChannel(n.EntityType, n.MetricKind)
}

// NotificationChannel builds the pub/sub channel name for an entity type and
// metric, e.g. "dex:token:price".
func NotificationChannel(et EntityType, mk MetricKind) string {
	return "dex:" + string(et) + ":" + string(mk)
}
