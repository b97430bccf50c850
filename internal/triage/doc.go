// Package triage provides the business boundary for carepath's symptom triage.
// It defines the Service (session lifecycle, per-session serialization), the
// Engine (the turn-bounded dialogue state machine that drives the oracle, the
// safety screen and retrieval), the Store interface (persistence), and the
// domain models.
package triage
