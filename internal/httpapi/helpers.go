package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/ingestd/internal/core"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// channelFrom extracts the channel id from the request: header first, query
// parameter as fallback. An absent channel is returned as "" and judged by
// the core service, which knows whether acknowledgements require one.
func (h *Handler) channelFrom(r *http.Request) (string, error) {
	channel := strings.TrimSpace(r.Header.Get(headerChannel))
	if channel == "" {
		channel = strings.TrimSpace(r.URL.Query().Get("channel"))
	}
	if channel == "" {
		return "", nil
	}
	if len(channel) > h.maxChannelIDLength {
		return "", httpError{
			Status: http.StatusBadRequest,
			Code:   core.CodeInvalidDataFormat,
			Detail: fmt.Sprintf("channel id exceeds %d characters", h.maxChannelIDLength),
		}
	}
	for _, r := range channel {
		if r < 0x21 || r > 0x7e {
			return "", httpError{
				Status: http.StatusBadRequest,
				Code:   core.CodeInvalidDataFormat,
				Detail: "channel id contains invalid characters",
			}
		}
	}
	return channel, nil
}
