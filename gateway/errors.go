package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/ggoodman/mcp-tenant-gateway/internal/jsonrpc"
)

const (
	msgNoValidSession     = "Bad Request: No valid session ID provided"
	msgAlreadyInitialized = "Invalid Request: Server already initialized"
	msgInternalError      = "Internal error"
	msgInvalidSession     = "Invalid or missing session ID"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError emits a JSON-RPC error envelope. A nil id is rendered as null.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(id, code, msg, nil))
}

// writeAuthFailure renders the bearer variant's authentication failure body.
func writeAuthFailure(w http.ResponseWriter, errMsg, message string) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"success": false,
		"error":   errMsg,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
