package replication

import (
	"github.com/dirsrv/replication/kit/platform/errors"
)

var (
	// ErrReadOnlyReplica is returned when a local write reaches a hub or consumer.
	ErrReadOnlyReplica = &errors.Error{
		Code: errors.EForbidden,
		Msg:  "read-only replica",
	}

	// ErrReplicaBusy is returned by Acquire while another supplier holds the
	// consumer lock.
	ErrReplicaBusy = &errors.Error{
		Code: errors.EBusy,
		Msg:  "replica busy: another supplier is updating this replica",
	}

	// ErrBindFailed is returned when the replication bind identity or
	// credentials are rejected.
	ErrBindFailed = &errors.Error{
		Code: errors.EUnauthorized,
		Msg:  "replication bind rejected",
	}

	// ErrUnknownSession is returned for a session the consumer does not hold.
	ErrUnknownSession = &errors.Error{
		Code: errors.EConflict,
		Msg:  "unknown or expired replication session",
	}

	// ErrAgreementNotFound is returned for an agreement name that does not exist.
	ErrAgreementNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "replication agreement not found",
	}

	// ErrTaskNotFound is returned for a task ID that does not exist.
	ErrTaskNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "task not found",
	}

	// ErrSuffixNotFound is returned for a suffix no replica is configured for.
	ErrSuffixNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "no replica configured for suffix",
	}

	// ErrEntryNotFound is returned by entry stores.
	ErrEntryNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "entry not found",
	}

	// ErrTooManyTasks is returned when MaxConcurrentTasks are already running.
	ErrTooManyTasks = &errors.Error{
		Code: errors.ETooMany,
		Msg:  "too many cleanallruv tasks running",
	}
)
