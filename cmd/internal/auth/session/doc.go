// Package session owns the client-side credential lifecycle.
//
// A Credential is the only holder of the access/refresh token pair. The
// Manager keeps it fresh against the external issuer: expiry-skew detection,
// single-flight refresh (concurrent callers share exactly one network
// exchange and all observe its outcome), and the refresh-once-retry-once
// discipline for operations that report authentication failures.
package session
