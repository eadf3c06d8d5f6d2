package confession

import "time"

// Record is one analyzed confession as persisted by the storage layer.
// Rows are append-only and owner-tagged: a record is visible or deletable
// only inside a scoped transaction whose caller matches OwnerID, or whose
// role is admin.
type Record struct {
	ID        string
	OwnerID   string
	Content   string
	Summary   string
	Tags      []string
	Intensity int
	Reply     string
	Source    string
	CreatedAt time.Time
}
