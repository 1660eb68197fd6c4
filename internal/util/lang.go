package util

func Must[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}

// FirstNonEmpty returns the first argument that is not the zero value.
func FirstNonEmpty[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}
