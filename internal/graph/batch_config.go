package graph

// BatchConfig sizes the UNWIND batches of a mirror sync
//
// Node batches stay smaller than edge batches: entity nodes carry their
// attributes as properties while edges carry only confidence and seq.
type BatchConfig struct {
	NodeBatchSize int
	EdgeBatchSize int

	// Parallelism bounds concurrent batches per phase
	Parallelism int
}

// DefaultBatchConfig returns batch sizes suited to a single app repo
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		NodeBatchSize: 1000,
		EdgeBatchSize: 5000,
		Parallelism:   4,
	}
}

func (bc BatchConfig) normalized() BatchConfig {
	def := DefaultBatchConfig()
	if bc.NodeBatchSize <= 0 {
		bc.NodeBatchSize = def.NodeBatchSize
	}
	if bc.EdgeBatchSize <= 0 {
		bc.EdgeBatchSize = def.EdgeBatchSize
	}
	if bc.Parallelism <= 0 {
		bc.Parallelism = def.Parallelism
	}
	return bc
}

// chunk splits n items into [start, end) ranges of at most size
func chunk(n, size int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{i, end})
	}
	return out
}
