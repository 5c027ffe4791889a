package journal

// Journal defines the read side of the message journal. Consumers should
// depend on this interface rather than the concrete *DB type.
type Journal interface {
	Get(id string) (*Entry, error)
	List(f Filter) ([]Entry, int, error)
	Events(canister string, limit int) ([]EventRow, error)
	Stats() (map[string]int, error)
}

// Verify *DB satisfies Journal at compile time.
var _ Journal = (*DB)(nil)
