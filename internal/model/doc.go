// Package model holds the bus data model: realms, users, streams, huddles,
// recipients, subscriptions, messages and their per-user delivery records.
//
// Rows are plain values; persistence lives in internal/storage.
package model
