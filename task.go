package replication

import (
	"fmt"
	"time"

	"github.com/dirsrv/replication/kit/platform/errors"
)

// MaxConcurrentTasks bounds the CleanAllRUV and abort tasks running at once.
const MaxConcurrentTasks = 4

// TaskKind distinguishes clean tasks from abort tasks.
type TaskKind string

const (
	TaskClean TaskKind = "cleanallruv"
	TaskAbort TaskKind = "abort cleanallruv"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskRunning  TaskState = "running"
	TaskFinished TaskState = "finished"
	TaskAborted  TaskState = "aborted"
	TaskFailed   TaskState = "failed"
)

// Done reports whether the state is terminal.
func (s TaskState) Done() bool {
	return s == TaskFinished || s == TaskAborted || s == TaskFailed
}

// TaskStatus is the pollable status of a CleanAllRUV or abort task.
type TaskStatus struct {
	ID        string    `json:"id" db:"id"`
	Kind      TaskKind  `json:"kind" db:"kind"`
	Suffix    string    `json:"suffix" db:"suffix"`
	ReplicaID ReplicaID `json:"replicaID" db:"replica_id"`
	Force     bool      `json:"force" db:"force"`
	Certify   bool      `json:"certify" db:"certify"`
	// Origin is the task ID on the replica that started the cluster-wide
	// operation; it equals ID on that replica.
	Origin    string    `json:"origin" db:"origin"`
	State     TaskState `json:"state" db:"state"`
	Message   string    `json:"message,omitempty" db:"message"`
	Confirmed AttrList  `json:"confirmed,omitempty" db:"confirmed"`
	Pending   AttrList  `json:"pending,omitempty" db:"pending"`
	Started   time.Time `json:"started" db:"started_at"`
	Finished  time.Time `json:"finished,omitempty" db:"finished_at"`
}

// CleanRequest asks for a replica ID to be retired cluster wide.
type CleanRequest struct {
	Suffix    string    `json:"suffix"`
	ReplicaID ReplicaID `json:"replicaID"`
	Force     bool      `json:"force"`
}

// OK validates the request.
func (r *CleanRequest) OK() error {
	return validateTaskTarget("cleanallruv", r.Suffix, r.ReplicaID)
}

// AbortRequest asks for running clean tasks of a replica ID to be stopped
// cluster wide.
type AbortRequest struct {
	Suffix    string    `json:"suffix"`
	ReplicaID ReplicaID `json:"replicaID"`
	Certify   bool      `json:"certify"`
}

// OK validates the request.
func (r *AbortRequest) OK() error {
	return validateTaskTarget("abort cleanallruv", r.Suffix, r.ReplicaID)
}

func validateTaskTarget(op, suffix string, id ReplicaID) error {
	if suffix == "" {
		return &errors.Error{Code: errors.EInvalid, Op: op, Msg: "replica-base-dn is required"}
	}
	if id < MinReplicaID || id > MaxReplicaID {
		return &errors.Error{Code: errors.EInvalid, Op: op, Msg: fmt.Sprintf("invalid replica-id %d", id)}
	}
	return nil
}
