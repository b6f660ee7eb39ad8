// Package stores persists the results of apply runs.
//
// FileStore is the revision store: numbered, immutable snapshots of the
// scripts and reference files a run used, plus a pointer to the current
// one. Revisions are staged and renamed into place under an exclusive
// store lock, and every stored file is checksummed with BLAKE3 so a
// revision can be verified later.
//
// Journal is a SQLite log of every apply attempt, successful or not.
package stores
