/*
Package errclass normalizes raw device and mesh failures into a closed
taxonomy used by the health tracker and the authorization pipeline.

Classes:
  - setup: misconfiguration, not retryable, 10 minute circuit-open
  - auth: credential/permission failure, not retryable, 15 minute circuit-open
  - transient: network/timeout/protocol, retryable with backoff, no circuit
  - inconsistent: malformed or contradictory input events, not retryable
  - unknown: unclassified, not retryable

Normalize runs once at the device-executor boundary and maps free-text
failures onto stable codes; Classify runs once at the orchestration
boundary and is never re-derived downstream.
*/
package errclass
