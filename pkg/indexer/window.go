package indexer

import "github.com/pkg/errors"

// Window is an inclusive block range fetched in one upstream call.
type Window struct {
	From uint64
	To   uint64
}

// PlanWindows partitions [from, to] into consecutive windows of at most size
// blocks. The last window is truncated to to.
func PlanWindows(from, to, size uint64) ([]Window, error) {
	if size == 0 {
		return nil, ErrInvalidWindowSize
	}

	if from > to {
		return nil, errors.Wrapf(ErrInvalidRange, "from %d > to %d", from, to)
	}

	windows := make([]Window, 0, (to-from)/size+1)

	for start := from; ; {
		end := to
		// to-start+1 may overflow for the full uint64 range, compare without it
		if to-start >= size {
			end = start + size - 1
		}

		windows = append(windows, Window{From: start, To: end})

		if end == to {
			return windows, nil
		}

		start = end + 1
	}
}

// groupWindows splits windows into consecutive groups of at most n.
func groupWindows(windows []Window, n int) [][]Window {
	groups := make([][]Window, 0, (len(windows)+n-1)/n)

	for i := 0; i < len(windows); i += n {
		end := i + n
		if end > len(windows) {
			end = len(windows)
		}

		groups = append(groups, windows[i:end])
	}

	return groups
}
