// Package heal detects and repairs drift between generated artifacts and
// what current sources would produce.
//
// Every artifact this tool writes ends with a two-line metadata trailer: a
// build timestamp and a checksum over the artifact content excluding the
// trailer. The trailer is a typed value (Trailer) with one canonical
// Append/Strip pair, so checksum verification, content equivalence, and
// stale-output pruning all agree on exactly which bytes count as content.
package heal
