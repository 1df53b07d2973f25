// Package persistence stores logged-in accounts between runs.
//
// The account store is a single JSON file holding every account by email
// plus the selected one. Writes go to a temporary file in the same
// directory, are synced, and then renamed over the target, so a crash never
// leaves a truncated store behind.
package persistence
