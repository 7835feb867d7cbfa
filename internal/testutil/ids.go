package testutil

// FixedIDGenerator returns the same session id every time.
//
// The same scenario run twice with a FixedIDGenerator produces byte-identical
// activity logs, which golden comparisons rely on.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator for id. If id is empty, Generate
// returns "test-session".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-session"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed id. Implements device.IDGenerator.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
