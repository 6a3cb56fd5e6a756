// Package store holds errors shared by every store implementation.
// The interfaces themselves live with their consumers (scheduler,
// dispatcher, reconciler); implementations are internal/store/postgres
// for production and internal/queue for tests and single-node use.
package store

import "errors"

// ErrNotFound is returned when a referenced entity does not exist.
// Callers treat it as permanent: missing reference data will not resolve
// itself, so jobs hitting it fail without retry.
var ErrNotFound = errors.New("not found")
