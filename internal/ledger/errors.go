package ledger

import "fmt"

// ValidationError marks a missing or invalid required field, or a referenced
// identifier outside the user's records. The engine recovers by re-entering
// the Collecting phase with the offending field named.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError marks a referenced business record that does not exist.
type NotFoundError struct {
	Entity string
	Ref    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Ref)
}

// ConflictError marks an unbalanced journal entry, a lost confirm race, or an
// edit the posted ledger state forbids. Nothing is partially applied.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}
