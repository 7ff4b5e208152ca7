// Package server is the portal's HTTP front end: login, run upload and
// control, result downloads, client configuration, and the websocket event
// stream.
//
// # Endpoints
//
//   - POST /auth/login - Email and password, returns a bearer token
//   - POST /auth/logout, GET /auth/me - Session management
//   - POST /stock/upload - Multipart upload, creates a run and starts its worker
//   - GET /stock/runs - Run history, newest first
//   - POST /stock/control/{runId} - {"action": "pause"|"resume"|"stop"}
//   - GET /stock/control/{runId} - Current control state
//   - GET /stock/download/{runId}/{filename} - A file from the run workspace
//   - GET, POST /config/clients - Read or replace clients.json
//   - GET /ws - Websocket event stream
//   - GET /health - Liveness
//
// # Authentication
//
// Users and their argon2id password hashes come from users.json. Every
// endpoint except login and health needs "Authorization: Bearer <token>";
// the websocket handshake may pass the token as ?token= instead. Login
// attempts are rate limited per client IP.
//
// # Errors
//
// Failures are JSON {"success": false, "message": "..."} with 400 for
// validation, 401 for authentication, 404 for unknown runs or files, 429
// for throttled logins, and 500 for storage or worker launch failures.
package server
