// Package engine executes tasks handed over by the trigger registry.
//
// Short tasks (fire, poll) run on a bounded worker pool; long tasks (pulses)
// set TaskOptions.Dedicated and get their own supervised goroutine so they
// never occupy a pool slot for the watering time.
package engine
