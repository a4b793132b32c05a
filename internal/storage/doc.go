// Package storage persists relays, sensors, schedules and their history in
// SQLite.
//
// Record updates use optimistic locking on a version column. History tables
// (sensor values, schedule logs) are append-only and pruned after every
// insert to the Retention window.
package storage
