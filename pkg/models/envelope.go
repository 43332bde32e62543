package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ConfigEnvelopeVersion is the envelope version written by SealConfig
const ConfigEnvelopeVersion = 1

var (
	// ErrEmptyConfig is returned when a session carries no config snapshot
	ErrEmptyConfig = errors.New("config snapshot is empty")

	// ErrCorruptConfig is returned when a snapshot cannot be decoded
	ErrCorruptConfig = errors.New("config snapshot is corrupt")

	// ErrUnsupportedConfigVersion is returned for snapshots written by a newer release
	ErrUnsupportedConfigVersion = errors.New("unsupported config snapshot version")
)

// ConfigEnvelope wraps the worker configuration, which stays opaque here.
// Version 0 marks a legacy snapshot that was stored without an envelope.
type ConfigEnvelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SealConfig encodes payload into a versioned snapshot
func SealConfig(kind string, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrCorruptConfig)
	}
	return json.Marshal(ConfigEnvelope{
		Version: ConfigEnvelopeVersion,
		Kind:    kind,
		Payload: payload,
	})
}

// OpenConfig decodes a snapshot written by SealConfig or a legacy bare JSON blob
func OpenConfig(snapshot []byte) (ConfigEnvelope, error) {
	if len(snapshot) == 0 {
		return ConfigEnvelope{}, ErrEmptyConfig
	}
	if !json.Valid(snapshot) {
		return ConfigEnvelope{}, ErrCorruptConfig
	}

	var head struct {
		Version *int            `json:"v"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(snapshot, &head); err != nil || head.Version == nil || head.Payload == nil {
		// Not an envelope: treat the whole blob as a legacy payload
		return ConfigEnvelope{Version: 0, Payload: append(json.RawMessage(nil), snapshot...)}, nil
	}

	if *head.Version > ConfigEnvelopeVersion || *head.Version < 1 {
		return ConfigEnvelope{}, fmt.Errorf("%w: %d", ErrUnsupportedConfigVersion, *head.Version)
	}

	return ConfigEnvelope{
		Version: *head.Version,
		Kind:    head.Kind,
		Payload: head.Payload,
	}, nil
}
