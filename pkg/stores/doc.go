// Package stores persists the history of rebase runs in SQLite.
//
// Each finished run is stored with its patch outcomes and build failure
// records so results of many packages can be compared later. The schema is
// managed by embedded golang-migrate migrations.
package stores
