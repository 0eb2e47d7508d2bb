// Package condition models the predicate trees behind a badge rule's trigger
// and criteria.  A condition is a tagged variant: boolean operators (all,
// any, not) over children, or a leaf (topic suffix, topic category, embedded
// expression, historical datanommer query).  Trees are immutable after
// construction and evaluation is total: a leaf that fails evaluates false
// and the error is logged, never propagated into the consumer loop.
package condition

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/expr"
	"github.com/atlasgurus/badgestone/types"
)

type CondKind int8

const (
	AllCondKind CondKind = iota + 1
	AnyCondKind
	NotCondKind
	TopicCondKind
	CategoryCondKind
	ExprCondKind
	DatanommerCondKind
	ErrorCondKind
)

type Condition interface {
	GetKind() CondKind
	GetOperands() []Condition
	GetHash() uint64
	Equals(o Condition) bool
	// Matches reports whether the condition holds for msg.  It never
	// panics; evaluation errors are logged and count as false.
	Matches(ctx context.Context, msg *types.Message) bool
}

func FindFirstError(cond []Condition) *Condition {
	return types.FindFirstInSlice(cond, func(c Condition) bool {
		return c.GetKind() == ErrorCondKind
	})
}

func FirstError(cond []Condition) Condition {
	result := FindFirstError(cond)
	if result == nil {
		return nil
	}
	return *result
}

type AllCond struct {
	Operands []Condition
	Hash     uint64
}

func NewAllCond(cond ...Condition) Condition {
	if err := FirstError(cond); err != nil {
		return err
	}
	return &AllCond{Operands: cond, Hash: computeCondHash(AllCondKind, cond)}
}

func (c *AllCond) GetKind() CondKind        { return AllCondKind }
func (c *AllCond) GetOperands() []Condition { return c.Operands }
func (c *AllCond) GetHash() uint64          { return c.Hash }
func (c *AllCond) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

func (c *AllCond) Matches(ctx context.Context, msg *types.Message) bool {
	for _, op := range c.Operands {
		if !op.Matches(ctx, msg) {
			return false
		}
	}
	return true
}

type AnyCond struct {
	Operands []Condition
	Hash     uint64
}

func NewAnyCond(cond ...Condition) Condition {
	if err := FirstError(cond); err != nil {
		return err
	}
	return &AnyCond{Operands: cond, Hash: computeCondHash(AnyCondKind, cond)}
}

func (c *AnyCond) GetKind() CondKind        { return AnyCondKind }
func (c *AnyCond) GetOperands() []Condition { return c.Operands }
func (c *AnyCond) GetHash() uint64          { return c.Hash }
func (c *AnyCond) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

func (c *AnyCond) Matches(ctx context.Context, msg *types.Message) bool {
	for _, op := range c.Operands {
		if op.Matches(ctx, msg) {
			return true
		}
	}
	return false
}

type NotCond struct {
	Operand Condition
	Hash    uint64
}

func NewNotCond(cond Condition) Condition {
	if cond.GetKind() == ErrorCondKind {
		return cond
	}
	return &NotCond{Operand: cond, Hash: computeCondHash(NotCondKind, []Condition{cond})}
}

func (c *NotCond) GetKind() CondKind        { return NotCondKind }
func (c *NotCond) GetOperands() []Condition { return []Condition{c.Operand} }
func (c *NotCond) GetHash() uint64          { return c.Hash }
func (c *NotCond) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

func (c *NotCond) Matches(ctx context.Context, msg *types.Message) bool {
	return !c.Operand.Matches(ctx, msg)
}

// TopicCond matches when the message topic ends with the configured suffix.
// Suffix match, not equality: "topic: pkgdb" matches "....prod.pkgdb" but
// not "....pkgdb.something".
type TopicCond struct {
	Suffix string
	Hash   uint64
}

func NewTopicCond(suffix string) Condition {
	return &TopicCond{
		Suffix: suffix,
		Hash:   HashUints([]uint64{uint64(TopicCondKind), HashString(suffix)}),
	}
}

func (c *TopicCond) GetKind() CondKind        { return TopicCondKind }
func (c *TopicCond) GetOperands() []Condition { return nil }
func (c *TopicCond) GetHash() uint64          { return c.Hash }
func (c *TopicCond) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

func (c *TopicCond) Matches(ctx context.Context, msg *types.Message) bool {
	return strings.HasSuffix(msg.Topic, c.Suffix)
}

type CategoryCond struct {
	Category string
	Hash     uint64
}

func NewCategoryCond(category string) Condition {
	return &CategoryCond{
		Category: category,
		Hash:     HashUints([]uint64{uint64(CategoryCondKind), HashString(category)}),
	}
}

func (c *CategoryCond) GetKind() CondKind        { return CategoryCondKind }
func (c *CategoryCond) GetOperands() []Condition { return nil }
func (c *CategoryCond) GetHash() uint64          { return c.Hash }
func (c *CategoryCond) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

func (c *CategoryCond) Matches(ctx context.Context, msg *types.Message) bool {
	return msg.Category() == c.Category
}

// ExprCond evaluates an embedded expression with "msg" bound to the message
// body.  A failed evaluation (malformed expression, partial message) counts
// as no match.
type ExprCond struct {
	Source  string
	Program *expr.Program
	Hash    uint64
	appctx  *types.AppContext
}

func NewExprCond(source string, appctx *types.AppContext) Condition {
	program, err := expr.Compile(source)
	if err != nil {
		return NewErrorCondition(appctx.LogError(err))
	}
	return &ExprCond{
		Source:  source,
		Program: program,
		Hash:    HashUints([]uint64{uint64(ExprCondKind), HashString(source)}),
		appctx:  appctx,
	}
}

func (c *ExprCond) GetKind() CondKind        { return ExprCondKind }
func (c *ExprCond) GetOperands() []Condition { return nil }
func (c *ExprCond) GetHash() uint64          { return c.Hash }
func (c *ExprCond) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

func (c *ExprCond) Matches(ctx context.Context, msg *types.Message) bool {
	result, err := c.Program.Run("msg", mapOrEmpty(msg.Body))
	if err != nil {
		c.appctx.Log.Debug("trigger expression evaluated false on error",
			zap.Error(err), zap.String("expression", c.Source))
		return false
	}
	return expr.Truthy(result)
}

func mapOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

type ErrorCondition struct {
	Err  error
	Hash uint64
}

func NewErrorCondition(err error) Condition {
	return &ErrorCondition{
		Err:  err,
		Hash: HashUints([]uint64{uint64(ErrorCondKind), HashString(err.Error())}),
	}
}

func (c *ErrorCondition) GetKind() CondKind        { return ErrorCondKind }
func (c *ErrorCondition) GetOperands() []Condition { return nil }
func (c *ErrorCondition) GetHash() uint64          { return c.Hash }
func (c *ErrorCondition) Equals(o Condition) bool  { return c.Hash == o.GetHash() }

func (c *ErrorCondition) Matches(ctx context.Context, msg *types.Message) bool {
	return false
}

func (c *ErrorCondition) Error() string {
	return c.Err.Error()
}

// AsError returns the construction error carried by an error condition, nil
// for any other kind.
func AsError(c Condition) error {
	if ec, ok := c.(*ErrorCondition); ok {
		return ec.Err
	}
	return nil
}

// TopicHints extracts literal fragments that must appear in a message topic
// for the condition to possibly match.  The second return is false when no
// such necessary fragments exist (lambda or datanommer leaves, negation),
// in which case the rule must always be evaluated.  The consumer feeds the
// hints into its ahocorasick prefilter.
func TopicHints(c Condition) ([]string, bool) {
	switch cond := c.(type) {
	case *TopicCond:
		return []string{cond.Suffix}, true
	case *CategoryCond:
		return []string{cond.Category}, true
	case *AllCond:
		// Any single child's hints are a necessary condition for the
		// conjunction; pick the first child that has some.
		for _, op := range cond.Operands {
			if hints, ok := TopicHints(op); ok {
				return hints, true
			}
		}
		return nil, false
	case *AnyCond:
		// The union of all children's hints, but only if every child
		// contributes; one opaque child makes the disjunction opaque.
		var hints []string
		for _, op := range cond.Operands {
			childHints, ok := TopicHints(op)
			if !ok {
				return nil, false
			}
			hints = append(hints, childHints...)
		}
		return hints, len(hints) > 0
	default:
		return nil, false
	}
}

// Fingerprint is a stable identifier for a condition tree, used in logs and
// to key award locks together with the recipient.
func Fingerprint(c Condition) string {
	return fmt.Sprintf("%016x", c.GetHash())
}
