// Package session is the registry of caller sessions.
//
// Each live caller owns one State: a native transport session, the key table
// and error slot its Router fans out from, and the liveness watch that
// reclaims it when the caller goes away. A State exists only while it has at
// least one subscription or an error listener; the anonymous session, used by
// callers that only ever send, is the exception and lives as long as the
// registry.
//
// Registry methods are not safe for concurrent use. They are meant to run on
// the dispatcher's single worker, which is what makes registry mutation
// single-threaded. The Routers they create are read concurrently by the
// transport's delivery goroutines; that side is synchronized inside the
// router and broadcast packages.
package session
