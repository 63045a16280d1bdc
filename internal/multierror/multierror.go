package multierror

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Error collects errors keyed by the object that produced them, such as the
// peer a connection belonged to. Safe for concurrent use.
type Error[T comparable] struct {
	mu     sync.Mutex
	errors map[T]error
}

func New[T comparable]() *Error[T] {
	return &Error[T]{
		errors: make(map[T]error),
	}
}

// Error lists the errors as "key:err" pairs ordered by their text.
func (m *Error[T]) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := make([]string, 0, len(m.errors))
	for k, v := range m.errors {
		parts = append(parts, fmt.Sprintf("%v:%s", k, v))
	}

	slices.Sort(parts)

	return strings.Join(parts, "; ")
}

// Unwrap makes errors.Is and errors.As look into every collected error.
func (m *Error[T]) Unwrap() []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make([]error, 0, len(m.errors))
	for _, v := range m.errors {
		errs = append(errs, v)
	}

	return errs
}

func (m *Error[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.errors)
}

// Add records err under key, replacing a previous error of the same key.
// Nil errors are ignored.
func (m *Error[T]) Add(key T, err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	m.errors[key] = err
	m.mu.Unlock()
}

// Combined returns the Error if it contains any errors, nil otherwise.
func (m *Error[T]) Combined() error {
	if m.Len() == 0 {
		return nil
	}

	return m
}
