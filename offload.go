package candiag

import "context"

// offload runs code on its own goroutine and waits for it or for ctx.
//
// Driver calls can block in C libraries that ignore contexts. When ctx
// ends first the caller gets ctx.Err() right away with abandoned set, and
// abandon receives the late result once code returns so it can release
// what was acquired.
func offload[T any](ctx context.Context, code func() (T, error), abandon func(T, error)) (v T, abandoned bool, err error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := code()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.value, false, r.err
	case <-ctx.Done():
		if abandon != nil {
			go func() {
				r := <-done
				abandon(r.value, r.err)
			}()
		}
		var zero T
		return zero, true, ctx.Err()
	}
}
