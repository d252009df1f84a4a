// Package api documents the BananaFlow HTTP API.
//
// The handlers live in api/handlers; routes are registered by
// cmd/bananaflow.
//
// # API Overview
//
// BananaFlow provides a RESTful API for:
//   - Image generation with key rotation across connection presets
//   - Connection preset and API key management
//   - Prompt presets and prompt variable help
//   - Quota balance, daily check-in and usage leaderboard
//   - Health monitoring and metrics
//
// # Authentication
//
// Requests carry the caller identity either as a Bearer JWT
// (claims user_id, group_id, roles) or, when trusted headers are
// enabled, as X-User-ID / X-Group-ID headers:
//
//	Authorization: Bearer <token>
//
// Admin endpoints additionally require the "admin" role or a user ID
// listed in auth.admin_ids.
//
// # Response Envelope
//
// Every JSON endpoint except the health probes answers with
//
//	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
//
// or, on failure,
//
//	{"success": false, "error": {"code": "RATE_LIMIT", "message": "..."}, ...}
//
// The HTTP status follows the error code: INVALID_ARGUMENT 400,
// AUTH_FAILED 401/403, QUOTA_EXHAUSTED 402, NOT_FOUND 404, RATE_LIMIT 429,
// SERVER_ERROR 502, SAFETY_BLOCK 451, UNKNOWN 500. A debug-mode generation
// is not a failure and returns 200 with the dry-run details.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Prometheus metrics are served on a separate port (default 9091).
package api
