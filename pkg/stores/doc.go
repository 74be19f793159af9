// Package stores persists flowctl run history in SQLite.
//
// The schema is created by embedded golang-migrate migrations and holds three
// tables: runs, node_results and events. File databases run in WAL mode with
// foreign keys enabled, so deleting a run removes its nodes and events.
//
// Recorder plugs a Store into the scheduler as both engine.Recorder and
// engine.EventSink.
package stores
