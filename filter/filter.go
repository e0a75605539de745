// Package filter compiles retrieval filter expressions into record
// predicates.
//
// Collaborators narrow retrieval with CEL expressions over record
// attributes, e.g. `importance > 0.5 && tier == "recent"` or
// `pinned || access_count >= 3`. Expressions are compiled once and
// evaluated per candidate record during a query.
package filter

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mnemo-ai/mnemo/index"
	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
)

// Attributes visible to filter expressions.
const (
	attrID          = "id"
	attrContent     = "content"
	attrContext     = "context"
	attrTier        = "tier"
	attrImportance  = "importance"
	attrAccessCount = "access_count"
	attrPinned      = "pinned"
	attrCreatedAt   = "created_at"
	attrAgeSeconds  = "age_seconds"
)

// Filter is a compiled record predicate.
type Filter struct {
	program cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(attrID, cel.StringType),
		cel.Variable(attrContent, cel.StringType),
		cel.Variable(attrContext, cel.StringType),
		cel.Variable(attrTier, cel.StringType),
		cel.Variable(attrImportance, cel.DoubleType),
		cel.Variable(attrAccessCount, cel.IntType),
		cel.Variable(attrPinned, cel.BoolType),
		cel.Variable(attrCreatedAt, cel.TimestampType),
		cel.Variable(attrAgeSeconds, cel.DoubleType),
	)
}

// Compile parses and type-checks expr. The expression must evaluate to a
// boolean. Malformed expressions return memerr.ErrInvalidInput.
func Compile(expr string) (*Filter, error) {
	if expr == "" {
		return nil, memerr.Validation("filter.Compile",
			fmt.Errorf("%w: empty filter expression", memerr.ErrInvalidInput))
	}

	env, err := newEnv()
	if err != nil {
		return nil, memerr.Internal("filter.Compile", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, memerr.Validation("filter.Compile",
			fmt.Errorf("%w: %v", memerr.ErrInvalidInput, issues.Err()))
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, memerr.Validation("filter.Compile",
			fmt.Errorf("%w: filter must evaluate to bool, got %s", memerr.ErrInvalidInput, ast.OutputType()))
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, memerr.Internal("filter.Compile", err)
	}
	return &Filter{program: program}, nil
}

// MustCompile is Compile that panics on error. For use in tests and
// package-level declarations.
func MustCompile(expr string) *Filter {
	f, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// Matches evaluates the filter against rec. Evaluation errors count as a
// non-match rather than failing the whole query.
func (f *Filter) Matches(rec *record.MemoryRecord, ageSeconds float64) bool {
	if f == nil {
		return true
	}
	out, _, err := f.program.Eval(map[string]any{
		attrID:          rec.ID,
		attrContent:     rec.Content,
		attrContext:     rec.Context,
		attrTier:        string(rec.Tier),
		attrImportance:  rec.Importance,
		attrAccessCount: rec.AccessCount,
		attrPinned:      rec.Pinned,
		attrCreatedAt:   rec.CreatedAt,
		attrAgeSeconds:  ageSeconds,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// Predicate adapts the filter to the index query interface. now anchors the
// age_seconds attribute. A nil filter yields a nil predicate, which the index
// treats as match-all.
func (f *Filter) Predicate(now time.Time) index.Predicate {
	if f == nil {
		return nil
	}
	return func(rec *record.MemoryRecord) bool {
		return f.Matches(rec, now.Sub(rec.CreatedAt).Seconds())
	}
}
