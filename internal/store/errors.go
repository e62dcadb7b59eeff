package store

import "errors"

var (
	// ErrNotFound covers unknown branches, commits, pull requests and scopes.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateBranch is returned when a branch name already exists
	// within its scope.
	ErrDuplicateBranch = errors.New("duplicate branch name")

	// ErrConcurrentCommit is returned when a commit loses the race for a
	// branch head: the expected parent was no longer the head at write
	// time. Callers may retry against the refreshed head.
	ErrConcurrentCommit = errors.New("concurrent commit conflict")
)
