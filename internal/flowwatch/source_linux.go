//go:build linux

package flowwatch

// NewSource returns the procfs-backed flow source.
func NewSource() (Source, error) {
	return &procNetSource{paths: []string{procNetUDP, procNetUDP6}}, nil
}
