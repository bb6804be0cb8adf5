package nomad

import (
	"errors"
	"fmt"
)

// Kind is the stable identifier of an error condition. Callers match on kinds
// with errors.Is, never on message text.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrNomadFileNotLoaded             Kind = "nomadFileNotLoaded"
	ErrInvalidMigrationTarget         Kind = "invalidMigrationTarget"
	ErrIrreversibleDivergentMigration Kind = "irreversibleDivergentMigration"
	ErrAbortReverseDivergentMigration Kind = "abortReverseDivergentMigration"
	ErrAbortApplyMigration            Kind = "abortApplyMigration"
	ErrAbortIrreversibleMigration     Kind = "abortIrreversibleMigration"
	ErrIrreversibleMigration          Kind = "irreversibleMigration"
	ErrAbortReverseMigration          Kind = "abortReverseMigration"
	ErrAbortUnmarkMigration           Kind = "abortUnmarkMigration"
	ErrUpExecMigrationFailed          Kind = "upExecMigrationFailed"
	ErrDownExecMigrationFailed        Kind = "downExecMigrationFailed"
	ErrInsertMigrationFailed          Kind = "insertMigrationFailed"
	ErrUpdateMigrationFailed          Kind = "updateMigrationFailed"
	ErrRemoveMigrationFailed          Kind = "removeMigrationFailed"
	ErrGetMigrationsFailed            Kind = "getMigrationsFailed"
	ErrConnectFailed                  Kind = "connectFailed"
	ErrDisconnectFailed               Kind = "disconnectFailed"
	ErrDriverContractViolation        Kind = "driverContractViolation"
	ErrLoadMigrationFailed            Kind = "loadMigrationFailed"
	ErrInvalidMigration               Kind = "invalidMigration"
)

// Error carries a Kind together with the migration it concerns and the
// underlying cause.
type Error struct {
	Kind     Kind
	Filename string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Filename != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Filename, e.Err)
	case e.Filename != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Filename)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind Kind, filename string, err error) *Error {
	return &Error{Kind: kind, Filename: filename, Err: err}
}

func errorf(kind Kind, filename string, format string, a ...any) *Error {
	return &Error{Kind: kind, Filename: filename, Err: fmt.Errorf(format, a...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or the
// empty string if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
