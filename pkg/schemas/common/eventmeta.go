package common

type EventMeta struct {
	EventType  string // e.g. "entity-updated"
	Exchange   string // e.g. "crm.realtime"
	RoutingKey string // e.g. "crm.entity.updated"
}
