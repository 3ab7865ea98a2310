// Package security holds the cryptography around licensing: license token
// verification, HMAC request signing for the HTTP authority and
// passphrase-based encryption of persisted state.
package security
