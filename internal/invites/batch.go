package invites

// DefaultBatchSize is the number of blocks past a batch's start that one
// log query covers.
const DefaultBatchSize = 1000

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// BatchBlocks splits [from, to] into contiguous batches [s, s+size], the
// next starting at s+size+1, the last clipped to to. from == to yields one
// batch; from > to yields none.
func BatchBlocks(from, to, size uint64) []BlockRange {
	if from > to {
		return nil
	}
	if size == 0 {
		size = DefaultBatchSize
	}
	var out []BlockRange
	for start := from; ; {
		end := start + size
		if end >= to || end < start { // end < start: overflow
			out = append(out, BlockRange{From: start, To: to})
			return out
		}
		out = append(out, BlockRange{From: start, To: end})
		start = end + 1
	}
}
