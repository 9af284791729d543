// Package storage is the durable message store of the bus.
//
// It persists realms, users, streams, huddles, recipients, subscriptions,
// messages and per-user delivery records (user_messages), and answers
// id-range queries over a user's visible messages.
//
// Writing a message and all of its delivery records happens in one
// transaction: callers observe either no records or all of them.
package storage
