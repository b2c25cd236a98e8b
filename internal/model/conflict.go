package model

import (
	"encoding/json"
	"time"
)

// ConflictType distinguishes how much of the record is in dispute.
type ConflictType string

const (
	// ConflictFieldSet means local and remote disagree on a subset of
	// fields and a field-level merge may be possible.
	ConflictFieldSet ConflictType = "field_set"

	// ConflictWholeRecord means the records diverge structurally
	// (e.g., a delete racing an update) and one side must win outright.
	ConflictWholeRecord ConflictType = "whole_record"
)

// ResolutionStrategy names a way to settle a conflict.
type ResolutionStrategy string

const (
	StrategyLocalWins          ResolutionStrategy = "local_wins"
	StrategyRemoteWins         ResolutionStrategy = "remote_wins"
	StrategyConfidenceWeighted ResolutionStrategy = "confidence_weighted"
	StrategyFieldMerge         ResolutionStrategy = "field_merge"
)

// ValidStrategies defines the allowed resolution strategies.
var ValidStrategies = map[ResolutionStrategy]bool{
	StrategyLocalWins:          true,
	StrategyRemoteWins:         true,
	StrategyConfidenceWeighted: true,
	StrategyFieldMerge:         true,
}

// ConflictDescriptor packages everything the resolver needs to settle a
// disagreement between the local and remote copies of one entity.
//
// Created by the conflict detector when a write is rejected; destroyed once
// resolved (the winning record replaces both copies).
type ConflictDescriptor struct {
	ID               string          `json:"id"`
	OperationID      string          `json:"operation_id"`
	EntityID         string          `json:"entity_id"`
	Collection       string          `json:"collection"`
	Type             ConflictType    `json:"type"`
	LocalPayload     json.RawMessage `json:"local_payload"`
	RemotePayload    json.RawMessage `json:"remote_payload"`
	LocalTimestamp   time.Time       `json:"local_timestamp"`
	RemoteTimestamp  time.Time       `json:"remote_timestamp"`
	LocalConfidence  float64         `json:"local_confidence"`
	RemoteConfidence float64         `json:"remote_confidence"`
	DetectedAt       time.Time       `json:"detected_at"`
}

// Resolution records the outcome of resolving one conflict.
type Resolution struct {
	ConflictID string             `json:"conflict_id"`
	Strategy   ResolutionStrategy `json:"strategy"`
	Winner     json.RawMessage    `json:"winner"`
	Reasons    []string           `json:"reasons,omitempty"`
}
