package fwrollout

import (
	"github.com/oklog/ulid/v2"
)

// taskIDPrefix makes task ids recognisable in logs and device reports.
const taskIDPrefix = "task_"

// NewTaskID returns a new lexically sortable task identifier.
//
// ULIDs sort by creation time, so listing tasks by id lists them in creation
// order without a secondary index.
//
//	id := fwrollout.NewTaskID() // "task_01J9Z3..."
func NewTaskID() string {
	return taskIDPrefix + ulid.Make().String()
}
