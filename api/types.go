package api

import "encoding/json"

// Wire status codes carried in the "code" field of every JSON response.
const (
	// CodeSuccess indicates the request was accepted.
	CodeSuccess = 0
	// CodeNoData indicates the request body contained no events.
	CodeNoData = 5
	// CodeInvalidDataFormat indicates the request body could not be parsed.
	CodeInvalidDataFormat = 6
	// CodeInternalError indicates an unexpected server side failure.
	CodeInternalError = 8
	// CodeServerBusy indicates the server refused the request under load.
	CodeServerBusy = 9
	// CodeChannelMissing indicates acknowledgements are enabled but a
	// submission carried no channel. Ack queries never report it: a query
	// without a channel is answered like any unknown channel.
	CodeChannelMissing = 10
	// CodeEventFieldRequired indicates an envelope lacked the event field.
	CodeEventFieldRequired = 12
	// CodeEventFieldBlank indicates an envelope carried an empty event field.
	CodeEventFieldBlank = 13
	// CodeAckDisabled indicates /services/collector/ack was called while
	// acknowledgements are disabled.
	CodeAckDisabled = 14
)

// EventEnvelope models one JSON object in a POST /services/collector/event
// body. Bodies may concatenate any number of envelopes back to back.
type EventEnvelope struct {
	// Event carries the event payload; it may be a string or any JSON value.
	Event json.RawMessage `json:"event"`
	// Time is the event timestamp in epoch seconds, with optional fraction.
	Time json.Number `json:"time,omitempty"`
	// Host names the machine the event originated from.
	Host string `json:"host,omitempty"`
	// Source names the producer of the event.
	Source string `json:"source,omitempty"`
	// SourceType classifies the event format.
	SourceType string `json:"sourcetype,omitempty"`
	// Index names the destination index.
	Index string `json:"index,omitempty"`
	// Fields carries arbitrary indexed fields.
	Fields json.RawMessage `json:"fields,omitempty"`
}

// SubmitResponse is returned by the event and raw collector endpoints.
type SubmitResponse struct {
	// Text is the human readable status, "Success" on acceptance.
	Text string `json:"text"`
	// Code is the wire status code, CodeSuccess on acceptance.
	Code int `json:"code"`
	// AckID identifies the batch for later acknowledgement queries. Present
	// only when the server tracks acknowledgements and a channel was given.
	AckID *uint64 `json:"ackId,omitempty"`
}

// AckRequest models the JSON payload for POST /services/collector/ack.
type AckRequest struct {
	// Acks lists the acknowledgement ids to query.
	Acks []uint64 `json:"acks"`
}

// AckResponse answers an acknowledgement query.
type AckResponse struct {
	// Acks maps each queried id, as a decimal string, to its durability
	// status. A true answer is given exactly once per id.
	Acks map[string]bool `json:"acks"`
}

// ErrorResponse is the JSON error payload returned on failures.
type ErrorResponse struct {
	// Text is the human readable error description.
	Text string `json:"text"`
	// Code is the wire status code for the failure.
	Code int `json:"code"`
	// InvalidEventNumber points at the first offending envelope when the
	// failure concerns a specific event in the batch.
	InvalidEventNumber *int `json:"invalid-event-number,omitempty"`
}

// HealthResponse is returned by GET /healthz and GET /readyz.
type HealthResponse struct {
	// Status is "ok" when the server can accept traffic.
	Status string `json:"status"`
}
