package models

import (
	"fmt"
	"time"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	// StatusPending means the entry order is submitted but no buy fill has been applied.
	StatusPending PositionStatus = "pending"
	// StatusOpen means the position holds at least one contract.
	StatusOpen PositionStatus = "open"
	// StatusClosed is terminal. A closed position never reopens.
	StatusClosed PositionStatus = "closed"
)

// StatusTransition defines a valid status transition.
type StatusTransition struct {
	From        PositionStatus
	To          PositionStatus
	Condition   string
	Description string
}

// ValidTransitions lists every allowed move. Anything else is rejected.
var ValidTransitions = []StatusTransition{
	{StatusPending, StatusOpen, "buy_filled", "Entry order filled"},
	{StatusPending, StatusClosed, "entry_rejected", "Entry order rejected or cancelled before any fill"},
	{StatusOpen, StatusClosed, "position_flat", "Sell fills brought quantity_open to zero"},
}

// TransitionRecord is one entry in a position's status history.
type TransitionRecord struct {
	From      PositionStatus `json:"from"`
	To        PositionStatus `json:"to"`
	Condition string         `json:"condition"`
	At        time.Time      `json:"at"`
}

// IsValidTransition checks the transition table.
func IsValidTransition(from, to PositionStatus, condition string) error {
	for _, t := range ValidTransitions {
		if t.From != from || t.To != to {
			continue
		}
		if t.Condition == "" || condition == "" || t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'", from, to, condition)
}

// IsTerminal reports whether no further transitions are possible.
func (s PositionStatus) IsTerminal() bool {
	return s == StatusClosed
}
