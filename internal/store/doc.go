// Package store persists conversations and their turns in SQLite.
//
// Saving a turn is idempotent by (conversation, role, content): a repeated
// save returns the id of the row stored first instead of inserting a
// duplicate.
package store
