// Package txn commits batches of file writes with an all-or-nothing intent
// using temp-file-then-rename.
//
// The prepare phase is fully atomic: until the first rename, no target file
// has been touched, and any failure rolls every temp back. The commit phase
// is not atomic across files: a crash between two renames leaves a mixed
// old/new set. That is an accepted limitation of the two-phase design on a
// plain filesystem; the orphan sweep at the start of the next build cleans
// up the temps such a crash leaves behind, and the drift detector repairs
// the mixed state on the next run.
package txn
