package types

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Message is a decoded bus message.  The engine never mutates one during
// evaluation; Body is whatever the bus schema produced.
type Message struct {
	ID        string
	Topic     string
	Body      map[string]interface{}
	Usernames []string
}

// Category returns the conventional category segment of the topic, i.e. the
// 4th dot-delimited component ("org.fedoraproject.prod.bodhi..." -> "bodhi").
// Returns "" when the topic is too short.
func (m *Message) Category() string {
	parts := strings.Split(m.Topic, ".")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

type ErrorLog struct {
	mu     sync.Mutex
	errors []error
}

func (errLog *ErrorLog) LogError(err error) {
	errLog.mu.Lock()
	defer errLog.mu.Unlock()
	errLog.errors = append(errLog.errors, err)
}

func (errLog *ErrorLog) PrintErrors() {
	errLog.mu.Lock()
	defer errLog.mu.Unlock()
	for _, err := range errLog.errors {
		fmt.Println(err)
	}
}

// AppContext is the process-wide context threaded through constructors:
// a structured logger plus an accumulating error log so that a rule-load
// pass can report every broken definition instead of only the first.
type AppContext struct {
	Log    *zap.Logger
	errLog ErrorLog
}

func NewAppContext(log *zap.Logger) *AppContext {
	if log == nil {
		log = zap.NewNop()
	}
	return &AppContext{Log: log}
}

func (ctx *AppContext) LogError(err error) error {
	ctx.errLog.LogError(err)
	return err
}

func (ctx *AppContext) NewError(err string) error {
	result := errors.New(err)
	ctx.errLog.LogError(result)
	return result
}

func (ctx *AppContext) Errorf(format string, a ...any) error {
	result := fmt.Errorf(format, a...)
	return ctx.LogError(result)
}

func (ctx *AppContext) PrintErrors() {
	ctx.errLog.PrintErrors()
}

func (ctx *AppContext) NumErrors() int {
	ctx.errLog.mu.Lock()
	defer ctx.errLog.mu.Unlock()
	return len(ctx.errLog.errors)
}

func (ctx *AppContext) GetError(index int) error {
	ctx.errLog.mu.Lock()
	defer ctx.errLog.mu.Unlock()
	return ctx.errLog.errors[index]
}

func FilterSlice[T any](a []T, f func(T) bool) []T {
	n := make([]T, 0)
	for _, e := range a {
		if f(e) {
			n = append(n, e)
		}
	}
	return n
}

func FindFirstInSlice[T any](a []T, f func(T) bool) *T {
	for _, e := range a {
		if f(e) {
			return &e
		}
	}
	return nil
}

func MapSlice[T any, M any](a []T, f func(T) M) []M {
	n := make([]M, len(a))
	for i, e := range a {
		n[i] = f(e)
	}
	return n
}

func Reduce[T, M any](s []T, f func(M, T) M, initValue M) M {
	acc := initValue
	for _, v := range s {
		acc = f(acc, v)
	}
	return acc
}

func SliceToBoolMap[T comparable](s []T) map[T]bool {
	result := make(map[T]bool, len(s))
	for _, v := range s {
		result[v] = true
	}
	return result
}

// StringSet is the awardee-set representation used through the eligibility
// pipeline.
type StringSet map[string]struct{}

func NewStringSet(elems ...string) StringSet {
	s := make(StringSet, len(elems))
	for _, e := range elems {
		s[e] = struct{}{}
	}
	return s
}

func (s StringSet) Add(e string) {
	s[e] = struct{}{}
}

func (s StringSet) Contains(e string) bool {
	_, ok := s[e]
	return ok
}

func (s StringSet) Filter(f func(string) bool) StringSet {
	result := make(StringSet, len(s))
	for e := range s {
		if f(e) {
			result[e] = struct{}{}
		}
	}
	return result
}

// Map applies f to every element; elements for which f reports false are
// dropped from the result.
func (s StringSet) Map(f func(string) (string, bool)) StringSet {
	result := make(StringSet, len(s))
	for e := range s {
		if mapped, ok := f(e); ok {
			result[mapped] = struct{}{}
		}
	}
	return result
}

func (s StringSet) ToSlice() []string {
	result := make([]string, 0, len(s))
	for e := range s {
		result = append(result, e)
	}
	return result
}

func (s StringSet) Equals(o StringSet) bool {
	if len(s) != len(o) {
		return false
	}
	for e := range s {
		if !o.Contains(e) {
			return false
		}
	}
	return true
}
