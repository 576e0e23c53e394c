package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"pkt.systems/ingestd/api"
	"pkt.systems/ingestd/internal/core"
)

const (
	codeEventFieldRequired = "event_field_required"
	codeEventFieldBlank    = "event_field_blank"
)

// handleEvent accepts POST /services/collector/event bodies: one or more JSON
// event envelopes concatenated back to back.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: POST"}
	}
	channel, err := h.channelFrom(r)
	if err != nil {
		return err
	}

	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	dec := json.NewDecoder(body)
	var events [][]byte
	for index := 0; ; index++ {
		var env api.EventEnvelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return httpError{Status: http.StatusBadRequest, Code: core.CodeInvalidDataFormat, Detail: "Invalid data format"}
		}
		if eventMissing(env.Event) {
			n := index
			return httpError{Status: http.StatusBadRequest, Code: codeEventFieldRequired, Detail: "Event field is required", InvalidEventNumber: &n}
		}
		if eventBlank(env.Event) {
			n := index
			return httpError{Status: http.StatusBadRequest, Code: codeEventFieldBlank, Detail: "Event field cannot be blank", InvalidEventNumber: &n}
		}
		encoded, err := json.Marshal(env)
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: core.CodeInvalidDataFormat, Detail: "Invalid data format"}
		}
		events = append(events, encoded)
	}
	if len(events) == 0 {
		return httpError{Status: http.StatusBadRequest, Code: core.CodeNoData, Detail: "No data"}
	}
	return h.submit(w, r, channel, events)
}

// handleRaw accepts POST /services/collector/raw: the whole body is one event.
func (h *Handler) handleRaw(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: POST"}
	}
	channel, err := h.channelFrom(r)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.jsonMaxBytes))
	if err != nil {
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: core.CodeInvalidDataFormat, Detail: "Invalid data format"}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return httpError{Status: http.StatusBadRequest, Code: core.CodeNoData, Detail: "No data"}
	}
	return h.submit(w, r, channel, [][]byte{body})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, channel string, events [][]byte) error {
	res, err := h.core.Submit(r.Context(), core.SubmitCommand{Channel: channel, Events: events})
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.SubmitResponse{Text: "Success", Code: api.CodeSuccess}
	if res.Acked {
		ackID := res.AckID
		resp.AckID = &ackID
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleAck answers POST /services/collector/ack acknowledgement queries.
func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: POST"}
	}
	if !h.core.AckEnabled() {
		return httpError{Status: http.StatusBadRequest, Code: core.CodeAckDisabled, Detail: "ACK is disabled"}
	}
	channel, err := h.channelFrom(r)
	if err != nil {
		return err
	}

	var req api.AckRequest
	if err := decodeJSONBody(http.MaxBytesReader(w, r.Body, h.jsonMaxBytes), &req, jsonDecodeOptions{}); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: core.CodeInvalidDataFormat, Detail: "Invalid data format"}
	}

	statuses, err := h.core.QueryAcks(r.Context(), channel, req.Acks)
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.AckResponse{Acks: make(map[string]bool, len(statuses))}
	for id, ok := range statuses {
		resp.Acks[strconv.FormatUint(id, 10)] = ok
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

// eventMissing reports whether the event field was absent or JSON null.
func eventMissing(event json.RawMessage) bool {
	trimmed := bytes.TrimSpace(event)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// eventBlank reports whether the event field holds an empty string. Other
// JSON values, including empty objects, are accepted as-is.
func eventBlank(event json.RawMessage) bool {
	trimmed := bytes.TrimSpace(event)
	return bytes.Equal(trimmed, []byte(`""`))
}
