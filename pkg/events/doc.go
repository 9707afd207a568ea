// Package events provides an in-process pub/sub broker for orchestrator
// events, used to stream activity to CLI followers without tailing the
// on-disk log.
package events
