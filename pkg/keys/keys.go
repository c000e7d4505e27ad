// Package keys renders the literal backend key patterns for a namespace.
// Every other package goes through here instead of formatting strings
// itself, so the wire-compatible patterns live in exactly one place.
package keys

import "fmt"

// Namespace partitions both storage keys and the singleton lock.
type Namespace string

// Lock returns the singleton-processor lock key for the namespace.
func (ns Namespace) Lock() string {
	return fmt.Sprintf("STORAGE_PROCESSOR_%s", ns)
}

// Queue returns the incoming-queue list key.
func (ns Namespace) Queue(qid string) string {
	return fmt.Sprintf("%s-Q-%s", ns, qid)
}

// Processing returns the in-flight processing-list key.
func (ns Namespace) Processing(qid string) string {
	return fmt.Sprintf("%s-QP-%s", ns, qid)
}

// QueueChannel returns the wake-up pub/sub channel for the queue.
func (ns Namespace) QueueChannel(qid string) string {
	return fmt.Sprintf("%s-Q-%s-CHANNEL", ns, qid)
}

// Value returns the simple-value key.
func (ns Namespace) Value(key string) string {
	return fmt.Sprintf("%s-VAL-%s", ns, key)
}

// State returns the versioned-state key.
func (ns Namespace) State(key string) string {
	return fmt.Sprintf("%s-STATE-%s", ns, key)
}

// StateDelta returns the per-key delta pub/sub channel.
func (ns Namespace) StateDelta(key string) string {
	return fmt.Sprintf("%s-STATE-%s-DELTA", ns, key)
}

// Map returns the hashmap key.
func (ns Namespace) Map(key string) string {
	return fmt.Sprintf("%s-MAP-%s", ns, key)
}

// Set returns the string-set key.
func (ns Namespace) Set(key string) string {
	return fmt.Sprintf("%s-SET-%s", ns, key)
}

// WakePayload is the fixed pub/sub payload published on every push.
const WakePayload = "PUSH"
