//go:build !linux && !darwin

package filter

func NewFilter(identifier string) (Filter, error) {
	return nil, ErrUnsupported
}
