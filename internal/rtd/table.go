package rtd

import (
	"fmt"
	"sync"
)

// Default table bounds in °C.
const (
	TableMin = -60
	TableMax = 150
)

// Table holds element resistances for every integer degree from Min upward.
// Entries are strictly increasing.
type Table struct {
	min int
	r   []float64
}

// NewTable builds the table for [minC, maxC].
func NewTable(minC, maxC int) (*Table, error) {
	if maxC <= minC {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidTable, minC, maxC)
	}
	t := &Table{min: minC, r: make([]float64, maxC-minC+1)}
	for i := range t.r {
		t.r[i] = ResistanceAt(float64(minC + i))
	}
	return t, nil
}

var (
	defaultTable     *Table
	defaultTableOnce sync.Once
)

// DefaultTable returns the shared [TableMin, TableMax] table.
func DefaultTable() *Table {
	defaultTableOnce.Do(func() {
		defaultTable, _ = NewTable(TableMin, TableMax)
	})
	return defaultTable
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.r) }

// Min returns the temperature of the first entry.
func (t *Table) Min() int { return t.min }

// At returns the resistance stored at index i.
func (t *Table) At(i int) float64 { return t.r[i] }

// Search returns the index i with At(i) <= r < At(i+1).
func (t *Table) Search(r float64) (int, error) {
	i, _, err := t.search(r)
	return i, err
}

// search also reports the number of comparisons made, for tests.
func (t *Table) search(r float64) (int, int, error) {
	last := len(t.r) - 1
	if r < t.r[0] || r >= t.r[last] {
		return 0, 0, fmt.Errorf("%w: %.3f ohm outside table", ErrOutOfRange, r)
	}
	// r[lo] <= r < r[hi] holds throughout.
	lo, hi := 0, last
	steps := 0
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		steps++
		if t.r[mid] <= r {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, steps, nil
}

// Temperature converts a resistance by bisection and linear interpolation.
func (t *Table) Temperature(r float64) (float64, error) {
	i, err := t.Search(r)
	if err != nil {
		return 0, err
	}
	lo, hi := t.r[i], t.r[i+1]
	return float64(t.min+i) + (r-lo)/(hi-lo), nil
}
