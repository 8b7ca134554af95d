// Package dedupe remembers which message uuids an operator has already
// completed so broker redeliveries of finished work are acknowledged
// without running the agent again.
package dedupe
