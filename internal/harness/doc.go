// Package harness runs end-to-end migration scenarios described in YAML.
//
// A scenario seeds a legacy store, scripts the cipher and the write
// coordinator, optionally crashes the run at a key boundary, and states the
// expected outcome. Scenario documents are validated against an embedded CUE
// schema before execution, and the security-event trace plus the final store
// contents are compared against golden files.
//
// To regenerate golden files:
//
//	go test ./internal/harness -update
package harness
