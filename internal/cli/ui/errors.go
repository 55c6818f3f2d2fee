package ui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/session"
	"github.com/conduit-lang/persist/internal/orm/storage"
)

// ErrorOptions describes one error message
type ErrorOptions struct {
	Context string
	Problem string
	Hints   []string
	NoColor bool
}

// FormatError renders an error message:
//
//	❌ FLUSH FAILED: flush failed: ...
//	   → the transaction was rolled back; the session still holds the changes
func FormatError(opts ErrorOptions) string {
	var b strings.Builder

	head := color.New(color.FgRed, color.Bold)
	hint := color.New(color.FgYellow)
	if opts.NoColor {
		head.DisableColor()
		hint.DisableColor()
	}

	if opts.Context != "" {
		head.Fprintf(&b, "❌ %s: %s\n", strings.ToUpper(opts.Context), opts.Problem)
	} else {
		head.Fprintf(&b, "❌ %s\n", opts.Problem)
	}
	for _, h := range opts.Hints {
		hint.Fprintf(&b, "   → %s\n", h)
	}
	return b.String()
}

// Describe classifies err into a context and hints
func Describe(err error, noColor bool) ErrorOptions {
	opts := ErrorOptions{Problem: err.Error(), NoColor: noColor}

	switch {
	case schema.IsInvalidMapping(err):
		opts.Context = "invalid mapping"
		opts.Hints = []string{"check the mapping document with: persist check --mapping <file>"}
	case schema.IsUnknownEntity(err):
		opts.Context = "unknown entity"
		opts.Hints = []string{"list mapped entities with: persist check"}
	case errors.Is(err, session.ErrFlush):
		opts.Context = "flush failed"
		opts.Hints = []string{"the transaction was rolled back; the session still holds the changes"}
		if storage.IsConstraintViolation(err) {
			opts.Hints = append(opts.Hints, "remove or reassign referencing rows before deleting their target")
		}
	case session.IsNotFound(err):
		opts.Context = "not found"
	case errors.Is(err, session.ErrDetachedEntity):
		opts.Context = "detached entity"
		opts.Hints = []string{"merge the instance into an open session before using it"}
	case errors.Is(err, storage.ErrStorage):
		opts.Context = "storage error"
		opts.Hints = []string{"check database.driver and database.dsn"}
	}
	return opts
}

// WriteError writes err with hints to w
func WriteError(w io.Writer, err error, noColor bool) {
	fmt.Fprint(w, FormatError(Describe(err, noColor)))
}
