// Package stores provides the persistence layer for planforge. It keeps
// the compilation cache index and per-host deployment history in SQLite
// with WAL mode and embedded migrations.
package stores
