package render

import (
	"sort"

	"github.com/xonecas/coda/internal/history"
)

// Key identifies one cached layout.
type Key struct {
	ID               history.ID
	Width            int
	ThemeEpoch       uint64
	ReasoningVisible bool
}

// Layout is the memoized wrap result for one record at one width.
type Layout struct {
	Lines []string
	// Rows is len(Lines); kept explicit for the prefix-sum model.
	Rows int
}

// Settings captures the cache-relevant view parameters.
type Settings struct {
	Width            int
	ThemeEpoch       uint64
	ReasoningVisible bool
}

// Cache memoizes record layouts and the prefix-sum of record heights so a
// scroll offset translates to a first-visible record in O(log N).
type Cache struct {
	layouts map[Key]*Layout

	// prefix[i] is the total rows of records [0, i), including spacing.
	prefix      []int
	prefixWidth int
	prefixEpoch uint64
	// spacing rows inserted between adjacent records.
	spacingRows int
}

// NewCache creates an empty cache with single-row spacing between records.
func NewCache() *Cache {
	return &Cache{
		layouts:     make(map[Key]*Layout),
		spacingRows: 1,
	}
}

// Lookup returns the layout for a key, building it with build on miss.
// A theme change uses a new ThemeEpoch, which lazily evicts stale entries on
// first access; entries for other widths are retained.
func (c *Cache) Lookup(key Key, build func() []string) *Layout {
	if layout, ok := c.layouts[key]; ok {
		return layout
	}
	// Evict entries for the same record at older theme epochs.
	for k := range c.layouts {
		if k.ID == key.ID && k.Width == key.Width && k.ThemeEpoch != key.ThemeEpoch {
			delete(c.layouts, k)
		}
	}
	lines := build()
	layout := &Layout{Lines: lines, Rows: len(lines)}
	c.layouts[key] = layout
	return layout
}

// Invalidate flushes all entries for one record.
func (c *Cache) Invalidate(id history.ID) {
	for k := range c.layouts {
		if k.ID == id {
			delete(c.layouts, k)
		}
	}
	c.prefix = nil
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.layouts = make(map[Key]*Layout)
	c.prefix = nil
}

// UpdatePrefix rebuilds the prefix-sum from per-record heights. Spacing rows
// between records are included so the viewport never rests on a blank gap.
func (c *Cache) UpdatePrefix(heights []int, settings Settings, historyEpoch uint64) {
	c.prefix = make([]int, len(heights)+1)
	total := 0
	for i, h := range heights {
		if i > 0 {
			total += c.spacingRows
		}
		c.prefix[i] = total
		total += h
	}
	c.prefix[len(heights)] = total
	c.prefixWidth = settings.Width
	c.prefixEpoch = historyEpoch
}

// PrefixValid reports whether the prefix-sum matches the given view state.
func (c *Cache) PrefixValid(settings Settings, historyEpoch uint64, count int) bool {
	return c.prefix != nil &&
		c.prefixWidth == settings.Width &&
		c.prefixEpoch == historyEpoch &&
		len(c.prefix) == count+1
}

// TotalRows returns the full transcript height.
func (c *Cache) TotalRows() int {
	if len(c.prefix) == 0 {
		return 0
	}
	return c.prefix[len(c.prefix)-1]
}

// FirstVisible binary-searches the record containing the given scroll row.
// The second return is the row offset inside that record.
func (c *Cache) FirstVisible(scrollRow int) (int, int) {
	if len(c.prefix) < 2 {
		return 0, 0
	}
	n := len(c.prefix) - 1
	idx := sort.Search(n, func(i int) bool {
		return c.prefix[i+1] > scrollRow
	})
	if idx >= n {
		idx = n - 1
	}
	offset := scrollRow - c.prefix[idx]
	if offset < 0 {
		offset = 0
	}
	return idx, offset
}

// ClampScroll keeps a scroll offset on content, skipping the spacing gap
// between records.
func (c *Cache) ClampScroll(scrollRow int) int {
	if len(c.prefix) < 2 {
		return 0
	}
	max := c.TotalRows() - 1
	if scrollRow > max {
		scrollRow = max
	}
	if scrollRow < 0 {
		scrollRow = 0
	}
	idx, offset := c.FirstVisible(scrollRow)
	n := len(c.prefix) - 1
	height := c.prefix[idx+1] - c.prefix[idx]
	if idx < n-1 {
		height -= c.spacingRows
	}
	// Rows past the record's content belong to the spacing gap before the
	// next record; snap forward onto it.
	if offset >= height && idx < n-1 {
		return c.prefix[idx+1]
	}
	return scrollRow
}
