// Package passphrase holds the policy and Argon2id parameters for the
// credential store passphrase.
//
// It provides:
// - Argon2id cost parameters shared by the sealing KDF and the verifier
// - Passphrase policy validation
// - A PHC-encoded verifier so a wrong passphrase fails at startup instead of on first read
//
// Verifier strings are read back from disk and are treated as untrusted input.
package passphrase
