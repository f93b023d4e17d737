package sinopac

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Response is the envelope every bridge endpoint returns.
type Response struct {
	Status string          `json:"status"` // "ok" on success, anything else is an error
	Msg    string          `json:"msg"`    // Human-readable error description
	Data   json.RawMessage `json:"data"`   // payload varies per endpoint
}

// Kbars is the columnar minute-bar payload, mirroring the upstream SDK
// shape: parallel arrays indexed together.
type Kbars struct {
	TS     []string  `json:"ts"` // exchange-local naive or RFC3339 timestamps
	Open   []float64 `json:"Open"`
	High   []float64 `json:"High"`
	Low    []float64 `json:"Low"`
	Close  []float64 `json:"Close"`
	Volume []int64   `json:"Volume"`
}

// APIError is a classified provider failure: an HTTP error status or an
// error envelope. Callers recover from it as a soft zero-fill, never by
// matching message text.
type APIError struct {
	StatusCode int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sinopac bridge error (status %d): %s", e.StatusCode, e.Msg)
}

// ErrEmptyPayload marks a well-formed response carrying no bars, which
// around holidays is expected rather than exceptional.
var ErrEmptyPayload = errors.New("sinopac: empty kbars payload")
