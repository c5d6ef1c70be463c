// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// Submit caps the end-to-end budget for a single action submission,
// including lock acquisition, validation, commit, and fan-out enqueue.
const Submit = 24 * time.Second

// Validator caps a single validator invocation. It is deliberately far
// below Submit so a slow validator surfaces as VALIDATOR_TIMEOUT instead
// of burning the whole submit budget.
const Validator = 2 * time.Second

// CacheFreshness is the window during which a cached room state may be
// served without a store read.
const CacheFreshness = 5 * time.Second

// Conversion caps a full conversion run, including the model call.
const Conversion = 2 * time.Minute

// ModelCall caps a single document rewrite request to the model provider.
const ModelCall = 90 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// SubscriberWrite bounds a single broadcast write to one subscriber
// before the subscriber is considered slow and dropped.
const SubscriberWrite = 2 * time.Second

// EndedRoomRetention is the grace period before an ended room becomes
// eligible for garbage collection.
const EndedRoomRetention = 24 * time.Hour
