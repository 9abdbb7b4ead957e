// Package license implements node-locked license activation for HostelPro.
//
// # Architecture Overview
//
//	- Engine: validation, activation, deactivation, issuance and expiry
//	- Store: persistence of license records (memory, SQL and bbolt backends)
//	- EncryptedCache: machine-bound local copy of the activation
//	- Metrics: OpenTelemetry instruments for the engine
//
// # Binding
//
// A license is bound to one machine by storing
//
//	hex(SHA256(normalize(machine_identity) + salt))
//
// together with a random 16-byte salt. The raw identity is never stored. The
// first successful validation of an unbound license performs the bind through a
// conditional store write, so two machines racing for the same key produce
// exactly one winner.
//
// # Validation Flow
//
//	1. Unknown key: rejected as invalid
//	2. Suspended or revoked: rejected, nothing else is checked
//	3. Expiry date passed: status becomes expired, then rejected
//	4. Unbound: bound to the caller's machine, cache written, accepted
//	5. Bound: accepted only if the caller's machine reproduces the hash
//
// Rejections are returned as a Verdict, never as an error, and never reveal
// which machine a license is bound to.
//
// # Local Cache
//
// The cache file holds a JSON payload with hex encoded nonce, auth tag and
// ciphertext. The AES-256-GCM key is derived with PBKDF2-SHA256 from the machine
// identity, so a file copied to another host cannot be decrypted there. Any read
// failure is reported as "no cache".
package license
