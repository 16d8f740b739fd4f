// Package protocol implements the Stratum V1 wire format: message framing,
// JSON-RPC envelopes, and the narrow error-code surface this pool exposes
// to miners.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Error codes. The wire surface is intentionally narrow: every rejected
// share, regardless of the internal reason (stale job, duplicate,
// below pool difficulty, bad ntime), is reported as code 23. The reason
// travels in the message string and in structured logs/metrics, not in a
// separate wire code.
const (
	ErrCodeMethodNotFound = 20
	ErrCodeUnauthorized   = 21
	ErrCodeShareRejected  = 23
)

// StratumError is a Stratum error triple [code, message, traceback], sent
// as the error field of a response; traceback is always nil here.
type StratumError struct {
	Code    int
	Message string
}

func (e *StratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// ToJSON renders the error in the 3-element array Stratum clients expect.
func (e *StratumError) ToJSON() []interface{} {
	return []interface{}{e.Code, e.Message, nil}
}

func ErrMethodNotFound() *StratumError {
	return &StratumError{Code: ErrCodeMethodNotFound, Message: "Method not found"}
}

func ErrUnauthorizedWorker() *StratumError {
	return &StratumError{Code: ErrCodeUnauthorized, Message: "Unauthorized worker"}
}

// ErrShare builds a code-23 error carrying a specific rejection reason.
func ErrShare(reason string) *StratumError {
	return &StratumError{Code: ErrCodeShareRejected, Message: reason}
}

// Request is a client-to-server JSON-RPC call. Params stays raw so each
// handler parses its own expected shape and rejects arity/type mismatches
// explicitly, rather than unmarshalling into a loosely-typed map and
// silently defaulting missing fields.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a server-to-client reply to a Request, echoing its ID.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a server-initiated message (mining.notify,
// mining.set_difficulty); its ID is always nil.
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// EncodeResponse marshals a Response with the trailing newline the line
// framer requires.
func EncodeResponse(id interface{}, result interface{}, errVal interface{}) ([]byte, error) {
	resp := Response{ID: id, Result: result, Error: errVal}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return append(data, '\n'), nil
}

// EncodeNotification marshals a Notification with the trailing newline.
func EncodeNotification(method string, params interface{}) ([]byte, error) {
	note := Notification{ID: nil, Method: method, Params: params}
	data, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode notification: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseAuthorizeParams decodes the 2-element [worker, password] array of
// mining.authorize.
func ParseAuthorizeParams(raw json.RawMessage) (worker, password string, err error) {
	var params []interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", "", fmt.Errorf("protocol: malformed authorize params: %w", err)
	}
	if len(params) < 2 {
		return "", "", fmt.Errorf("protocol: authorize requires 2 params, got %d", len(params))
	}

	worker, ok := params[0].(string)
	if !ok {
		return "", "", fmt.Errorf("protocol: authorize worker must be a string")
	}
	password, ok = params[1].(string)
	if !ok {
		return "", "", fmt.Errorf("protocol: authorize password must be a string")
	}
	return worker, password, nil
}

// SubmitParams is the decoded 5-element mining.submit parameter vector.
type SubmitParams struct {
	Worker      string
	JobID       string
	Extranonce2 string
	Ntime       string
	Nonce       string
}

// ParseSubmitParams decodes mining.submit params, tolerating a numeric
// job_id (some miner firmware round-trips it through a float) the way
// real-world Stratum clients sometimes do.
func ParseSubmitParams(raw json.RawMessage) (SubmitParams, error) {
	var params []interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return SubmitParams{}, fmt.Errorf("protocol: malformed submit params: %w", err)
	}
	if len(params) < 5 {
		return SubmitParams{}, fmt.Errorf("protocol: submit requires 5 params, got %d", len(params))
	}

	worker, ok := params[0].(string)
	if !ok {
		return SubmitParams{}, fmt.Errorf("protocol: submit worker must be a string")
	}

	jobID, err := paramToString(params[1])
	if err != nil {
		return SubmitParams{}, fmt.Errorf("protocol: submit job_id: %w", err)
	}

	en2, ok := params[2].(string)
	if !ok {
		return SubmitParams{}, fmt.Errorf("protocol: submit extranonce2 must be a string")
	}
	ntime, ok := params[3].(string)
	if !ok {
		return SubmitParams{}, fmt.Errorf("protocol: submit ntime must be a string")
	}
	nonce, ok := params[4].(string)
	if !ok {
		return SubmitParams{}, fmt.Errorf("protocol: submit nonce must be a string")
	}

	return SubmitParams{Worker: worker, JobID: jobID, Extranonce2: en2, Ntime: ntime, Nonce: nonce}, nil
}

func paramToString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return fmt.Sprintf("%d", int64(t)), nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}
