// Package httpapi is the HTTP surface of the key server.
//
// Routes:
//
//	POST /v1/keys.verifyKey     verify a key, outcomes in-band with status 200
//	POST /v1/keys/verify        legacy verification, NOT_FOUND answers 404
//	POST /v1/ratelimits.limit   free-form rate limiting
//	POST /v1/keys.invalidate    drop cached key or API records (admin)
//	GET  /health /ready /live   probes
//
// Failures that are not verification outcomes use the envelope
// {"error":{"code","message","docs"}}.
package httpapi
