// Package stores provides the persistent datastore adapter. SQLiteStore
// keeps the rows of every datastore in one WAL-mode SQLite table, encoded
// with the column bindings of each key type, and journals commit episodes.
package stores
