package dispatch

import "net/http"

// Terminal error codes surfaced to callers and written to the ledger.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnknownChatURL     = "UNKNOWN_CHAT_URL"
	CodeLockOwnerMismatch  = "LOCK_OWNER_MISMATCH"
	CodeProfileBusy        = "PROFILE_BUSY"
	CodeNoProfileAvailable = "NO_PROFILE_AVAILABLE"
	CodeContainerBusy      = "CONTAINER_BUSY"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeProfileBlocked     = "PROFILE_BLOCKED"
	CodeChatBlocked        = "CHAT_BLOCKED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// HTTPStatus maps an error code to its response status. Busy-style codes
// are 503 so callers know to retry; hard upstream failures are 502.
func HTTPStatus(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnknownChatURL:
		return http.StatusNotFound
	case CodeLockOwnerMismatch, CodeProfileBlocked, CodeChatBlocked:
		return http.StatusConflict
	case CodeProfileBusy, CodeNoProfileAvailable, CodeContainerBusy:
		return http.StatusServiceUnavailable
	case CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
