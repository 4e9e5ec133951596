package delta

import (
	"fmt"
	"strconv"

	"github.com/ethanyzhang/delta-go/utils"
)

// StatementState is the lifecycle state of a statement on the warehouse.
type StatementState int8

const (
	// StatementStateUnknown is the zero value; it is never sent by the server.
	StatementStateUnknown StatementState = iota
	// StatementStatePending indicates the statement is waiting for warehouse resources.
	StatementStatePending
	// StatementStateRunning indicates the statement is executing.
	StatementStateRunning
	// StatementStateSucceeded indicates the manifest and first result page are available.
	StatementStateSucceeded
	// StatementStateFailed indicates execution failed; Status.Error carries the reason.
	StatementStateFailed
	// StatementStateCanceled indicates the statement was canceled by a client.
	StatementStateCanceled
	// StatementStateClosed indicates the statement succeeded but its results are gone.
	StatementStateClosed
)

var statementStateMap = utils.NewBiMap(map[StatementState]string{
	StatementStateUnknown:   "UNKNOWN",
	StatementStatePending:   "PENDING",
	StatementStateRunning:   "RUNNING",
	StatementStateSucceeded: "SUCCEEDED",
	StatementStateFailed:    "FAILED",
	StatementStateCanceled:  "CANCELED",
	StatementStateClosed:    "CLOSED",
}).WithAliases(map[string]StatementState{
	"CANCELLED": StatementStateCanceled,
})

// String returns the wire name of the state, or its number when unknown.
func (s StatementState) String() string {
	if value, ok := statementStateMap.Lookup(s); ok {
		return value
	}
	return strconv.Itoa(int(s))
}

// IsTerminal reports whether polling should stop.
func (s StatementState) IsTerminal() bool {
	switch s {
	case StatementStateSucceeded, StatementStateFailed, StatementStateCanceled, StatementStateClosed:
		return true
	default:
		return false
	}
}

// ParseStatementState parses a wire name, case-insensitively.
// Unknown names yield StatementStateUnknown and an error.
func ParseStatementState(str string) (StatementState, error) {
	if key, ok := utils.RLookupFold(statementStateMap, str); ok {
		return key, nil
	}
	return StatementStateUnknown, fmt.Errorf("unknown statement state %q", str)
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s StatementState) MarshalText() ([]byte, error) {
	if value, ok := statementStateMap.Lookup(s); ok {
		return []byte(value), nil
	}
	return nil, fmt.Errorf("unknown statement state %d", int(s))
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *StatementState) UnmarshalText(text []byte) error {
	var err error
	*s, err = ParseStatementState(string(text))
	return err
}
