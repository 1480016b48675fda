// Package storage is the persistence boundary used by job handlers.
//
// It provides:
//   - Upsert of records keyed by natural-key fields, per logical table
//   - An append-only run log of job execution results
//   - Read-back of stored records for status output and tests
package storage
