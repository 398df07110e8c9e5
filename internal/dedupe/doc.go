// Package dedupe provides a time-based result cache so a redelivered event
// within a configurable window is answered with the original result instead
// of being processed again.
package dedupe
