//go:build !linux

package monitor

// NewSource always polls; permission events need Linux.
func NewSource(mode Mode, opts Options) (Source, error) {
	return NewPollSource(opts)
}
