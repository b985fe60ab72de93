//go:build !linux

package flowwatch

// NewSource returns ErrUnsupported: only Linux exposes a readable UDP
// flow table.
func NewSource() (Source, error) {
	return nil, ErrUnsupported
}
