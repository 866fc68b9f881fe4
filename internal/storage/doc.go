// Package storage persists job run history.
//
// Two drivers are available: a dependency-free JSONL file backend and an
// SQLite backend (behind the "sqlite" build tag). Storage is optional; with
// no driver configured, qrond keeps only its in-memory history.
package storage
