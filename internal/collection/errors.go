package collection

import (
	"errors"
	"fmt"
	"strings"

	"provisiond/internal/index"
	"provisiond/internal/item"
)

var (
	// ErrNotFound is returned for names the collection does not hold.
	ErrNotFound = errors.New("item not found")
	// ErrDuplicateName is returned when adding a name that already exists.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrDuplicateIndexedValue is matched by every IndexConflictError.
	ErrDuplicateIndexedValue = index.ErrDuplicateValue
	// ErrDanglingParentReference is returned when a reference does not
	// resolve, or when a remove would leave one behind.
	ErrDanglingParentReference = errors.New("dangling reference")
	// ErrCyclicParentReference is returned when a parent chain loops.
	ErrCyclicParentReference = errors.New("cyclic parent reference")
	// ErrNotLoaded is returned by operations issued before Load.
	ErrNotLoaded = errors.New("collections not loaded")
)

// IndexConflictError reports a unique index value already held by another
// item.
type IndexConflictError = index.ConflictError

// ValidationError aggregates every constraint a rejected mutation broke.
// It matches each of its problems with errors.Is and errors.As.
type ValidationError struct {
	Op       Op
	Key      item.Key
	Problems []error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s rejected", e.Op, e.Key)
	for i, p := range e.Problems {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(p.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() []error { return e.Problems }

func reject(op Op, key item.Key, problems []error) error {
	if len(problems) == 0 {
		return nil
	}
	MutationCount.WithLabelValues(string(key.Kind), string(op), "rejected").Inc()
	return &ValidationError{Op: op, Key: key, Problems: problems}
}
