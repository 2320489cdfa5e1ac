package filter

// NewFilter returns an nftables backed filter, or an iptables one when nft
// is missing, tagging rules with identifier.
func NewFilter(identifier string) (Filter, error) {
	return detect(identifier, execRunner)
}
