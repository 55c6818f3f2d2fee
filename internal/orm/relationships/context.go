package relationships

// DefaultMaxDepth bounds eager loading when no limit is configured
const DefaultMaxDepth = 10

// LoadContext tracks how deep an eager load has recursed. It belongs to a
// single Load call and is not shared between goroutines.
type LoadContext struct {
	depth    int
	maxDepth int
}

// NewLoadContext creates a new load context with the given max depth
func NewLoadContext(maxDepth int) *LoadContext {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &LoadContext{maxDepth: maxDepth}
}

// IncrementDepth increments the depth counter
func (lc *LoadContext) IncrementDepth() error {
	if lc.depth >= lc.maxDepth {
		return ErrMaxDepthExceeded
	}
	lc.depth++
	return nil
}

// DecrementDepth decrements the depth counter
func (lc *LoadContext) DecrementDepth() {
	if lc.depth > 0 {
		lc.depth--
	}
}

// Depth returns the current depth
func (lc *LoadContext) Depth() int {
	return lc.depth
}

// MaxDepth returns the configured limit
func (lc *LoadContext) MaxDepth() int {
	return lc.maxDepth
}
