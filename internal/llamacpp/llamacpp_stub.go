//go:build !yzma

package llamacpp

func Available() bool {
	return false
}

func Init() error {
	return ErrUnavailable
}
