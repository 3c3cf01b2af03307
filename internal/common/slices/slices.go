package slices

// Map returns a new slice whose i-th element is f(s[i]).
func Map[S ~[]E, E any, R any](s S, f func(E) R) []R {
	rv := make([]R, len(s))
	for i, e := range s {
		rv[i] = f(e)
	}
	return rv
}

// Filter returns a new slice containing the elements of s for which
// predicate returns true, preserving order.
func Filter[S ~[]E, E any](s S, predicate func(E) bool) S {
	rv := make(S, 0, len(s))
	for _, e := range s {
		if predicate(e) {
			rv = append(rv, e)
		}
	}
	return rv
}

// Unique returns a copy of s with duplicate elements removed, keeping only
// the first occurrence.
func Unique[S ~[]E, E comparable](s S) S {
	if s == nil {
		return nil
	}
	rv := make(S, 0, len(s))
	seen := make(map[E]bool, len(s))
	for _, e := range s {
		if !seen[e] {
			rv = append(rv, e)
			seen[e] = true
		}
	}
	return rv
}

// Sum adds up f(e) over the elements of s.
func Sum[S ~[]E, E any, N int | int64 | uint64 | float64](s S, f func(E) N) N {
	var total N
	for _, e := range s {
		total += f(e)
	}
	return total
}
