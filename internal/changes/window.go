// Package changes models the change-version range replicated by a single publishing run.
package changes

import "fmt"

// NoPreviousVersion marks that no change version has been processed for a source/target pair.
const NoPreviousVersion int64 = -1

// Window is a closed change-version range [Min, Max].
// A window where Min > Max carries no changes.
type Window struct {
	Min int64 `json:"minChangeVersion"`
	Max int64 `json:"maxChangeVersion"`
}

// NewWindow returns the window that follows lastProcessed and ends at newest.
// When lastProcessed is NoPreviousVersion the window starts at zero.
func NewWindow(lastProcessed, newest int64) (*Window, error) {
	if newest < 0 {
		return nil, fmt.Errorf("newest change version must be non-negative, got %d", newest)
	}
	if lastProcessed < NoPreviousVersion {
		return nil, fmt.Errorf("last processed change version must be >= %d, got %d", NoPreviousVersion, lastProcessed)
	}
	return &Window{Min: lastProcessed + 1, Max: newest}, nil
}

// IsEmpty reports whether there is nothing to replicate in the window.
func (w *Window) IsEmpty() bool {
	return w == nil || w.Min > w.Max
}

// Size returns the number of change versions covered by the window.
func (w *Window) Size() int64 {
	if w.IsEmpty() {
		return 0
	}
	return w.Max - w.Min + 1
}

// Contains reports whether version falls inside the window.
func (w *Window) Contains(version int64) bool {
	return !w.IsEmpty() && version >= w.Min && version <= w.Max
}

// String implements fmt.Stringer
func (w *Window) String() string {
	if w == nil {
		return "[unbounded]"
	}
	return fmt.Sprintf("[%d,%d]", w.Min, w.Max)
}

// Partition splits the window into consecutive sub-windows of at most size versions.
// The sub-windows cover [Min, Max] without gaps or overlaps, the last one is truncated
// at Max. A non-positive size, or a window that fits in one partition, yields the
// window itself. An empty window yields no partitions.
func (w *Window) Partition(size int64) []Window {
	if w.IsEmpty() {
		return nil
	}
	if size <= 0 || w.Size() <= size {
		return []Window{{Min: w.Min, Max: w.Max}}
	}

	count := (w.Size() + size - 1) / size
	windows := make([]Window, 0, count)
	for start := w.Min; start <= w.Max; start += size {
		end := start + size - 1
		if end > w.Max || end < start {
			end = w.Max
		}
		windows = append(windows, Window{Min: start, Max: end})
		if end == w.Max {
			break
		}
	}
	return windows
}
