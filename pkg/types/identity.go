package types

import "time"

// commit author recorded on ledger revisions
type Identity struct {
	Name  string `mapstructure:"name" json:"name"`
	Email string `mapstructure:"email" json:"email"`
}

// Principal is the caller of a request as resolved by the identity provider.
// Privileged principals may force-release locks they do not hold.
type Principal struct {
	Identity   string
	Privileged bool
}

// Revision is an immutable ledger snapshot: one commit on the ledger branch.
// ParentID is empty only for the root revision.
type Revision struct {
	ID        string    `json:"revision_id"`
	ParentID  string    `json:"parent_revision_id,omitempty"`
	Author    Identity  `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

func (r Revision) IsZero() bool {
	return r.ID == ""
}

// short form of the revision id for logs and events
func (r Revision) Short() string {
	if len(r.ID) > 10 {
		return r.ID[:10]
	}
	return r.ID
}
