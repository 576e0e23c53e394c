package core

import "fmt"

// Transport-neutral failure codes. HTTP adapters map these onto the wire
// protocol's numeric status codes.
const (
	CodeNoData             = "no_data"
	CodeInvalidDataFormat  = "invalid_data_format"
	CodeChannelMissing     = "channel_missing"
	CodeChannelLimit       = "channel_limit"
	CodeAckDisabled        = "ack_disabled"
	CodeStorageUnavailable = "storage_unavailable"
	CodeServerBusy         = "server_busy"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}
