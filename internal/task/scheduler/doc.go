// Package scheduler is the trigger registry: it owns every recurring and
// one-shot registration keyed by entity, arms clock timers for them and hands
// the work to the task engine when they fire.
//
// Mutations on one key are serialized by that key's own lock; different keys
// never contend beyond a short map lookup.
package scheduler
