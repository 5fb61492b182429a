package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData means a source answered well-formed but had no records. It
	// is terminal for the instrument within the run.
	ErrNoData = errors.New("no data from source")

	// ErrStaleQuote means the primary quote belongs to an earlier trading
	// day and cannot stand in for today's bar.
	ErrStaleQuote = errors.New("quote is not from today")

	// ErrInvalidMode is returned by Trigger for an unknown refresh mode.
	ErrInvalidMode = errors.New("invalid refresh mode")

	// ErrInvalidFetchMode is returned by Trigger for an unknown fetch mode.
	ErrInvalidFetchMode = errors.New("invalid fetch mode")
)

func errPanic(r any) error {
	return fmt.Errorf("panic: %v", r)
}
