// Package hostkey records and verifies SSH server host key fingerprints.
//
// A Store answers whether a presented key is Trusted, Unknown or a Mismatch
// for a (host, port, algorithm) tuple. Unknown keys are only recorded after an
// explicit caller decision (Record), and a different fingerprint for an
// existing entry is never overwritten except through Replace.
//
// Persistence is delegated to a Backend. Backend failures degrade to Unknown
// and are logged; they never produce Trusted.
package hostkey
