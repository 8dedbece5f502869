// Package store persists normalized case records per output partition.
//
// Each partition is an append-only JSON Lines log at
// <root>/<registry>/<case_type>/<year_range>/cases.jsonl. One line holds one
// complete record envelope; a trailing line without its newline is the
// remains of an interrupted append and is discarded when the partition is
// opened. The set of known case numbers is rebuilt from the log, so a put of
// an already stored case number is answered without touching disk.
package store
