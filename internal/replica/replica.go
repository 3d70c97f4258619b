// Package replica defines the coordinator contract the engine consults before
// destructive writes. The core consumes this contract; it never implements
// clustering itself. Hosts that run a single replica use Static.
package replica

import "fmt"

// Authority is the answer to "may this replica write right now".
// AuthorityLevel is an opaque host-defined rank (primary, secondary, ...).
type Authority struct {
	Allowed        bool
	Reason         string
	AuthorityLevel string
}

// Coordinator supplies replica identity and write authority. ReplicaID must
// be stable for the life of the process.
type Coordinator interface {
	ReplicaID() string
	MayWrite() Authority
}

// WriteAuthorityDenied is returned when a destructive write is attempted on a
// replica whose coordinator refused authority. The core never retries; the
// Suggestion tells the host what to do instead.
type WriteAuthorityDenied struct {
	Reason      string
	Suggestion  string
	IsSecondary bool
}

func (e *WriteAuthorityDenied) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("write authority denied: %s (%s)", e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("write authority denied: %s", e.Reason)
}

// Denied builds the error from a refusing Authority.
func Denied(a Authority) *WriteAuthorityDenied {
	return &WriteAuthorityDenied{
		Reason:      a.Reason,
		Suggestion:  "retry on the primary replica",
		IsSecondary: true,
	}
}

// Static is the coordinator for hosts without clustering: a fixed ID and
// unconditional write authority.
type Static struct {
	ID string
}

func (s Static) ReplicaID() string { return s.ID }

func (s Static) MayWrite() Authority {
	return Authority{Allowed: true, AuthorityLevel: "primary"}
}
