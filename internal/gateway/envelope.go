package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/modernalchemist/magic/internal/engine"
)

// Business result codes carried inside the response envelope. They
// mirror the HTTP status for errors but let clients branch without
// parsing status lines.
const (
	codeOK       = 1000
	codeNotFound = 4004
	codeInternal = 5001
)

// envelope is the uniform JSON body for every API response.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// sandboxInfo is the wire form of one sandbox. Timestamps are unix
// seconds.
type sandboxInfo struct {
	SandboxID string `json:"sandbox_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	StartedAt *int64 `json:"started_at,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// createData is the create response payload: the sandbox view plus a
// human-readable confirmation, which existing envelope consumers key on.
type createData struct {
	sandboxInfo
	Message string `json:"message"`
}

// deleteData carries the delete confirmation message.
type deleteData struct {
	Message string `json:"message"`
}

func infoFromSandbox(sb *engine.Sandbox) sandboxInfo {
	info := sandboxInfo{
		SandboxID: sb.ID,
		Status:    sb.Status,
		CreatedAt: sb.CreatedAt.Unix(),
		IPAddress: sb.IPAddress,
	}
	if sb.StartedAt != nil {
		started := sb.StartedAt.Unix()
		info.StartedAt = &started
	}
	return info
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: codeOK, Message: "success", Data: data})
}

// writeFailure adapts engine errors to HTTP at the boundary. Typed
// errors keep their message; anything unexpected is logged in full and
// masked for the client.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case engine.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, envelope{Code: codeNotFound, Message: err.Error()})
	case engine.IsOperationError(err):
		logger.Error("operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Code: codeInternal, Message: err.Error()})
	default:
		logger.Error("unexpected error", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Code: codeInternal, Message: "internal server error"})
	}
}
