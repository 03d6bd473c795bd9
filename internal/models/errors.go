package models

import "errors"

// Error taxonomy of a conversation turn. Callers wrap these with fmt.Errorf("...: %w")
// and branch with errors.Is.
var (
	// ErrValidation marks a bad or unsigned webhook payload. Nothing is persisted.
	ErrValidation = errors.New("validation error")
	// ErrUnknownUser marks a channel address with no matching student. Not a fault.
	ErrUnknownUser = errors.New("unknown user")
	// ErrFlowResolution marks a state marker that no stored flow owns.
	ErrFlowResolution = errors.New("flow resolution failed")
	// ErrNoTransition marks inbound text that matches no outgoing edge.
	ErrNoTransition = errors.New("no matching transition")
	// ErrDelivery marks a provider failure while sending a reply.
	ErrDelivery = errors.New("delivery failed")
	// ErrPersistence marks a message-log or alert-sink failure.
	ErrPersistence = errors.New("persistence failed")
)

// Flow definition errors reported by the flow store at load time.
var (
	ErrDuplicateNodeID   = errors.New("duplicate node id")
	ErrDuplicateFlowID   = errors.New("duplicate flow id")
	ErrUnknownEdgeNode   = errors.New("edge references unknown node")
	ErrUnknownEntryNode  = errors.New("entry node not found in flow")
	ErrMultipleActive    = errors.New("more than one active flow")
	ErrFlowNotFound      = errors.New("flow not found")
	ErrInvalidDefinition = errors.New("invalid flow definition")
)
