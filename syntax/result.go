package syntax

// Result is the outcome of validating one optional parameter: absent, a value, or an error.
// The zero value is absent.
type Result[T any] struct {
	value   T
	err     error
	present bool
}

// Absent returns a result for a parameter that was not supplied
func Absent[T any]() Result[T] {
	return Result[T]{}
}

// Value returns a result carrying a validated value
func Value[T any](v T) Result[T] {
	return Result[T]{value: v, present: true}
}

// Failed returns a result carrying a validation error
func Failed[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// IsAbsent reports whether the parameter was not supplied
func (r Result[T]) IsAbsent() bool {
	return !r.present && r.err == nil
}

// Err returns the validation error, if any
func (r Result[T]) Err() error {
	return r.err
}

// Get returns the value and whether one is present
func (r Result[T]) Get() (T, bool) {
	return r.value, r.present
}

// ValueOr returns the value or fallback when absent or failed
func (r Result[T]) ValueOr(fallback T) T {
	if r.present {
		return r.value
	}
	return fallback
}
