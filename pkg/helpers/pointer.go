package helpers

// Ptr returns a pointer to a copy of v, for the optional fields of the
// configuration structs.
func Ptr[T any](v T) *T {
	return &v
}
