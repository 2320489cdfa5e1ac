package filter

// NewFilter returns a pf backed filter using identifier as the anchor name.
func NewFilter(identifier string) (Filter, error) {
	f, err := newPF(identifier, execRunner)
	if err != nil {
		return nil, err
	}
	return f, nil
}
