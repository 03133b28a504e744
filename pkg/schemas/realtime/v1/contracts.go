package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type PresenceState string

const (
	Online    PresenceState = "online"
	Offline   PresenceState = "offline"
	InMeeting PresenceState = "in_meeting"
	OnCall    PresenceState = "on_call"
)

var PresenceStates = []PresenceState{Online, Offline, InMeeting, OnCall}

func (s PresenceState) Valid() bool {
	switch s {
	case Online, Offline, InMeeting, OnCall:
		return true
	}
	return false
}

// EntityID accepts both numeric and string ids from the server.
type EntityID string

func (id *EntityID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = EntityID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("entity id: %w", err)
	}
	*id = EntityID(n.String())
	return nil
}

// EntityRefV1 is the payload of entity-created/updated/deleted/assigned and call-logged.
type EntityRefV1 struct {
	ID EntityID `json:"id"`
}

type PresenceChangedV1 struct {
	UserID   EntityID      `json:"userId"`
	Presence PresenceState `json:"presence"`
}

func (p *PresenceChangedV1) Validate() error {
	ve := &ValidationError{}
	if p.UserID == "" {
		ve.add("userId", "required")
	}
	if p.Presence == "" {
		ve.add("presence", "required")
	} else if !p.Presence.Valid() {
		ve.add("presence", "unknown")
	}
	return ve.orNil()
}

// GenericDataChangedV1 names the entity kind that changed; the remaining
// fields are kept verbatim in Fields.
type GenericDataChangedV1 struct {
	Entity string                     `json:"entity"`
	Fields map[string]json.RawMessage `json:"-"`
}

func (g *GenericDataChangedV1) UnmarshalJSON(b []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	g.Entity = ""
	if raw, ok := all["entity"]; ok {
		if err := json.Unmarshal(raw, &g.Entity); err != nil {
			return fmt.Errorf("entity: %w", err)
		}
		delete(all, "entity")
	}
	g.Fields = all
	return nil
}

func (g GenericDataChangedV1) MarshalJSON() ([]byte, error) {
	all := make(map[string]any, len(g.Fields)+1)
	for k, v := range g.Fields {
		all[k] = v
	}
	all["entity"] = g.Entity
	return json.Marshal(all)
}

func (g *GenericDataChangedV1) Validate() error {
	ve := &ValidationError{}
	if strings.TrimSpace(g.Entity) == "" {
		ve.add("entity", "required")
	}
	return ve.orNil()
}

// Matches reports whether the change concerns the tracked entity kind.
func (g *GenericDataChangedV1) Matches(kind string) bool {
	return strings.EqualFold(g.Entity, kind)
}

type BatchChangedV1 struct {
	Count int `json:"count"`
}

// PresenceUpdateV1 is the outbound command for the current user's presence.
type PresenceUpdateV1 struct {
	UserID    EntityID      `json:"userId"`
	Presence  PresenceState `json:"presence"`
	Requested time.Time     `json:"requested_at"`
}
