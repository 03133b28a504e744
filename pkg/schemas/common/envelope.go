package common

import "encoding/json"

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type GenericEnvelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// RawEnvelope keeps Data undecoded so routing can happen on Meta.Type first.
type RawEnvelope = GenericEnvelope[json.RawMessage]
