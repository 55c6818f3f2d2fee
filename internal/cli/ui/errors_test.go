package ui

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/session"
	"github.com/conduit-lang/persist/internal/orm/storage"
)

func TestFormatError(t *testing.T) {
	output := FormatError(ErrorOptions{
		Context: "flush failed",
		Problem: "boom",
		Hints:   []string{"try again"},
		NoColor: true,
	})

	if output != "❌ FLUSH FAILED: boom\n   → try again\n" {
		t.Errorf("unexpected output %q", output)
	}

	plain := FormatError(ErrorOptions{Problem: "boom", NoColor: true})
	if plain != "❌ boom\n" {
		t.Errorf("unexpected output without context %q", plain)
	}
}

func TestDescribe(t *testing.T) {
	violation := &storage.ConstraintViolationError{
		Op:     "delete",
		Entity: "Team",
		Kind:   storage.ConstraintForeignKey,
		Cause:  errors.New("FOREIGN KEY constraint failed"),
	}

	tests := []struct {
		name      string
		err       error
		context   string
		hintCount int
	}{
		{"unknown entity", &schema.UnknownEntityError{Entity: "Player"}, "unknown entity", 1},
		{"invalid mapping", &schema.InvalidMappingError{Entity: "Member", Reason: "bad"}, "invalid mapping", 1},
		{"flush", &session.FlushError{Cause: errors.New("boom")}, "flush failed", 1},
		{"flush with violation", &session.FlushError{Cause: violation}, "flush failed", 2},
		{"not found", fmt.Errorf("load: %w", &session.NotFoundError{Key: identity.NewKey("Member", int64(7))}), "not found", 0},
		{"detached", session.ErrDetachedEntity, "detached entity", 1},
		{"storage", &storage.StorageError{Op: "select", Entity: "Team", Cause: errors.New("closed")}, "storage error", 1},
		{"other", errors.New("plain"), "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Describe(tt.err, true)
			if opts.Context != tt.context {
				t.Errorf("expected context %q, got %q", tt.context, opts.Context)
			}
			if len(opts.Hints) != tt.hintCount {
				t.Errorf("expected %d hints, got %v", tt.hintCount, opts.Hints)
			}
			if opts.Problem != tt.err.Error() {
				t.Errorf("expected problem %q, got %q", tt.err.Error(), opts.Problem)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	WriteError(&buf, &schema.UnknownEntityError{Entity: "Player"}, true)

	if !strings.HasPrefix(buf.String(), "❌ UNKNOWN ENTITY: unknown entity: Player") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
