package main

import (
	"encoding/json"
	"errors"

	"ptybridge/internal/session"
)

// --- Client → Daemon requests ---

// Request is one newline-delimited JSON message from a UI. Type is one of
// "create", "write", "read", "resize" or "status".
type Request struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"` // write
	Rows uint16 `json:"rows,omitempty"` // resize
	Cols uint16 `json:"cols,omitempty"` // resize
}

// --- Daemon → Client responses ---

// OKResponse acknowledges create, write and resize.
type OKResponse struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// DataResponse answers a read. Data is null when the shell has produced
// nothing since the last read.
type DataResponse struct {
	Type string  `json:"type"`
	Data *string `json:"data"`
}

// StatusResponse describes the session.
type StatusResponse struct {
	Type    string         `json:"type"`
	Session session.Status `json:"session"`
}

// ErrorResponse reports a failed request. Kind is stable; Message is for
// humans only.
type ErrorResponse struct {
	Type    string `json:"type"`
	Op      string `json:"op,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ExitEvent is pushed to every client when the shell exits.
type ExitEvent struct {
	Type     string `json:"type"`
	ExitCode int32  `json:"exitCode"`
	Pid      int    `json:"pid,omitempty"`
}

// Reply is the union of everything the daemon sends, for clients.
type Reply struct {
	Type     string          `json:"type"`
	Op       string          `json:"op,omitempty"`
	Data     *string         `json:"data,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Message  string          `json:"message,omitempty"`
	ExitCode int32           `json:"exitCode,omitempty"`
	Pid      int             `json:"pid,omitempty"`
	Session  *session.Status `json:"session,omitempty"`
}

// Error kinds on the wire.
const (
	KindPtyOpen       = "pty_open_failed"
	KindSpawn         = "spawn_failed"
	KindWrite         = "write_failed"
	KindRead          = "read_failed"
	KindResize        = "resize_failed"
	KindNoSession     = "no_session"
	KindSessionExists = "session_exists"
	KindBadRequest    = "bad_request"
)

// terminal is the part of session.Controller the protocol drives.
type terminal interface {
	Create() error
	Write(data string) error
	Read() (string, bool, error)
	Resize(rows, cols uint16) error
	Status() session.Status
}

// dispatch decodes one request line, runs it against t and returns the
// response to send back.
func dispatch(t terminal, line []byte) any {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return ErrorResponse{Type: "error", Kind: KindBadRequest, Message: "malformed JSON"}
	}

	switch req.Type {
	case "create":
		if err := t.Create(); err != nil {
			return errorResponse(req.Type, err)
		}
		return OKResponse{Type: "ok", Op: req.Type}

	case "write":
		if err := t.Write(req.Data); err != nil {
			return errorResponse(req.Type, err)
		}
		return OKResponse{Type: "ok", Op: req.Type}

	case "read":
		text, ok, err := t.Read()
		if err != nil {
			return errorResponse(req.Type, err)
		}
		if !ok {
			return DataResponse{Type: "data"}
		}
		return DataResponse{Type: "data", Data: &text}

	case "resize":
		if err := t.Resize(req.Rows, req.Cols); err != nil {
			return errorResponse(req.Type, err)
		}
		return OKResponse{Type: "ok", Op: req.Type}

	case "status":
		return StatusResponse{Type: "status", Session: t.Status()}

	default:
		return ErrorResponse{Type: "error", Op: req.Type, Kind: KindBadRequest, Message: "unknown type: " + req.Type}
	}
}

func errorResponse(op string, err error) ErrorResponse {
	return ErrorResponse{Type: "error", Op: op, Kind: errorKind(err), Message: err.Error()}
}

// errorKind maps a session error to its wire kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, session.ErrPtyOpen):
		return KindPtyOpen
	case errors.Is(err, session.ErrSpawn):
		return KindSpawn
	case errors.Is(err, session.ErrWrite):
		return KindWrite
	case errors.Is(err, session.ErrRead):
		return KindRead
	case errors.Is(err, session.ErrResize):
		return KindResize
	case errors.Is(err, session.ErrNoSession):
		return KindNoSession
	case errors.Is(err, session.ErrSessionExists):
		return KindSessionExists
	default:
		return KindBadRequest
	}
}
