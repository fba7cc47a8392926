package service

import (
	"github.com/pkg/errors"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/storage"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is returned when a swarm limit would be violated.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidTransition is returned for an illegal state machine edge.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotApproved is returned when executing a tool invocation that was not approved.
	ErrNotApproved = errors.New("tool invocation not approved")
	// ErrPersistence is returned when the store fails.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// storeError maps a store error onto the engine's error kinds.
func storeError(err error, format string, args ...interface{}) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(ErrPersistence, format+": %v", append(args, err)...)
}
