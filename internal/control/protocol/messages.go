// Package protocol defines the messages exchanged between apivpnd and its
// clients.
//
// Messages are newline-delimited JSON (NDJSON) over a UNIX socket. Each
// message is a single JSON object terminated by a newline. The TUN descriptor
// for the start command travels as SCM_RIGHTS ancillary data on the same
// write as the request line.
package protocol

import (
	"encoding/json"

	"github.com/apivpn/apivpn-core/internal/model"
)

// MessageType identifies the type of message.
type MessageType string

const (
	// MessageTypeRequest is sent from client to server.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse is sent from server to client in reply to a request.
	MessageTypeResponse MessageType = "response"
	// MessageTypeEvent is broadcast from server to all connected clients.
	MessageTypeEvent MessageType = "event"
)

// Command identifies the operation to perform. CommandStart expects exactly
// one descriptor with the request.
type Command string

const (
	CommandInitialize Command = "initialize"
	CommandServers    Command = "servers"
	CommandStatistics Command = "statistics"
	CommandLogPath    Command = "log_path"
	CommandStart      Command = "start"
	CommandStop       Command = "stop"
	CommandStatus     Command = "status"
	CommandRelayStart Command = "relay_start"
	CommandRelayStop  Command = "relay_stop"
)

// EventName identifies the type of event.
type EventName string

const (
	// EventStateChange indicates a session state transition.
	EventStateChange EventName = "state_change"
	// EventError carries the error that moved the session to the error state.
	EventError EventName = "error"
)

// Request represents a command sent from client to server.
type Request struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Command Command         `json:"command"`
	Params  json.RawMessage `json:"params"`

	// FDs are the descriptors received with the request line.
	FDs []int `json:"-"`
}

// TakeFD removes and returns the first descriptor received with the request.
// The caller owns the returned descriptor.
func (r *Request) TakeFD() (int, bool) {
	if len(r.FDs) == 0 {
		return -1, false
	}
	fd := r.FDs[0]
	r.FDs = r.FDs[1:]
	return fd, true
}

// Response represents a reply from server to client.
type Response struct {
	// ID matches the request ID.
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Event represents an asynchronous notification from server to clients.
type Event struct {
	Type MessageType     `json:"type"`
	Name EventName       `json:"name"`
	Data json.RawMessage `json:"data"`
}

// ErrorInfo contains details about an error.
type ErrorInfo struct {
	// Code is an apierr kind or one of the ErrCode constants.
	Code string `json:"code"`
	// ErrorCode is the numeric code of an engine kind, 0 otherwise.
	ErrorCode int32  `json:"error_code,omitempty"`
	Message   string `json:"message"`
}

// InitializeParams contains parameters for the initialize command.
type InitializeParams struct {
	AppToken  string `json:"app_token"`
	APIServer string `json:"api_server,omitempty"`
	DataDir   string `json:"data_dir"`
}

// ServersParams contains parameters for the servers command.
type ServersParams struct {
	Ping bool `json:"ping"`
}

// StartParams contains parameters for the start command.
type StartParams struct {
	ServerID int32  `json:"server_id"`
	AltRules string `json:"alt_rules,omitempty"`
}

// ServersResult is the server list ordered by sort, then id.
type ServersResult struct {
	Servers []model.Server `json:"servers"`
}

// LogPathResult contains the newest connection log path.
type LogPathResult struct {
	Path string `json:"path"`
}

// StatusResult contains the result of a status query.
type StatusResult struct {
	State     string `json:"state"`
	Running   bool   `json:"running"`
	RelayPort uint16 `json:"relay_port,omitempty"`
	// ConnectedSince is the Unix time the tunnel came up, zero when down.
	ConnectedSince int64      `json:"connected_since,omitempty"`
	LastError      *ErrorInfo `json:"last_error,omitempty"`
}

// RelayResult contains the port of the running relay.
type RelayResult struct {
	Port uint16 `json:"port"`
}

// StateChangeData contains data for state_change events.
type StateChangeData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ErrorData contains data for error events.
type ErrorData struct {
	Code      string `json:"code"`
	ErrorCode int32  `json:"error_code,omitempty"`
	Message   string `json:"message"`
}

// NewRequest creates a new request with the given command and parameters.
func NewRequest(id string, cmd Command, params any) (*Request, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:      id,
		Type:    MessageTypeRequest,
		Command: cmd,
		Params:  paramsJSON,
	}, nil
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: true,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates a protocol-level error response.
func NewErrorResponse(id string, code string, message string) *Response {
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewEngineErrorResponse creates an error response for an engine failure.
func NewEngineErrorResponse(id string, err error) *Response {
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: false,
		Error:   ErrorInfoFrom(err),
	}
}

// NewEvent creates a new event with the given name and data.
func NewEvent(name EventName, data any) (*Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type: MessageTypeEvent,
		Name: name,
		Data: dataJSON,
	}, nil
}
