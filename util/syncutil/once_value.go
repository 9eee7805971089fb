package syncutil

import "sync"

// OnceValue memoizes fn's first call, result and error both: fn runs
// at most once, and every later Do returns that first result and
// error, a failed first call included. dap/catalog.go uses it so a
// variable handle reads the same for its whole lifetime.
type OnceValue[T any] struct {
	once  sync.Once
	value T
	err   error
}

func (o *OnceValue[T1]) Do(fn func() (T1, error)) (T1, error) {
	o.once.Do(func() {
		o.value, o.err = fn()
	})
	return o.value, o.err
}
