// Package session provides the session data model shared by both sides of a
// remote session exchange.
//
// A State holds the session metadata and a key/value collection. Values may
// be held as raw payloads that are only decoded when first read, which lets a
// process forward keys it has no type registration for.
//
// A tracking State additionally records a ChangeState per key so that a
// writer can send only what changed:
//
//	NoChange  received as raw bytes and never read
//	New       added during this exchange
//	Changed   read and/or written (reading is enough, values may be mutated in place)
//	Removed   deleted after having been materialized
//	Unknown   no registered serializer could decode the payload
//
// A State is not safe for concurrent use. The process holding the session
// lock is its only writer.
package session
