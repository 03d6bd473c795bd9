// Package models defines the core data structures for CourseBot.
//
// It includes the message log records, dashboard alerts, student identities and the
// API response envelope shared across modules.
package models

import (
	"strings"
	"time"
)

// Direction tells whether a logged message was received from or sent to a student.
type Direction string

const (
	// DirectionIncoming marks a message sent by a student to the bot.
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing marks a message sent by the bot.
	DirectionOutgoing Direction = "outgoing"
)

// IsValid reports whether d is one of the known directions.
func (d Direction) IsValid() bool {
	return d == DirectionIncoming || d == DirectionOutgoing
}

// Message is an immutable entry of the append-only message log.
//
// TemplateID on an outgoing message is the conversation state marker: the flow node the
// conversation waits at after the message was sent. Empty means absent.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"sender_id"`
	ToID       string    `json:"to_id,omitempty"`
	Body       string    `json:"message_body"`
	Direction  Direction `json:"direction"`
	TemplateID string    `json:"template_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HasMarker reports whether the message carries a state marker.
func (m *Message) HasMarker() bool {
	return m != nil && m.TemplateID != ""
}

// InboundMessage is a validated inbound webhook event.
type InboundMessage struct {
	From       string    `json:"from"`
	Body       string    `json:"body"`
	MessageSID string    `json:"message_sid,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// AlertTypeHumanIntervention is the alert type raised when a conversation reaches an
// intervention terminal.
const AlertTypeHumanIntervention = "human_intervention_needed"

// DashboardAlert is a side-channel notice for human operators.
type DashboardAlert struct {
	ID           int64     `json:"id"`
	StudentPhone string    `json:"student_phone"`
	MessageID    *int64    `json:"message_id,omitempty"`
	AlertType    string    `json:"alert_type"`
	Description  string    `json:"description,omitempty"`
	IsResolved   bool      `json:"is_resolved"`
	Timestamp    time.Time `json:"timestamp"`
}

// Identity is a student as known by the academic-records store.
type Identity struct {
	AcademicID  int64  `json:"academic_id"`
	DisplayName string `json:"display_name"`
}

// FirstName returns the first word of the display name, the form used to greet students.
func (i Identity) FirstName() string {
	fields := strings.Fields(i.DisplayName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful API response.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an error API response.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
