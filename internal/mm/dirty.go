package mm

import "sort"

// DirtyBitmap is a sparse bitmap over stage-2 pages, keyed by page frame
// index within the IPA space. Guest address spaces are sparse (RAM plus a
// few device windows) so a word map beats a flat bitmap over the full IPA
// range.
type DirtyBitmap struct {
	words map[uint64]uint64
	count int
}

// NewDirtyBitmap returns an empty bitmap.
func NewDirtyBitmap() *DirtyBitmap {
	return &DirtyBitmap{words: make(map[uint64]uint64)}
}

// Set marks the page containing ipa dirty.
func (b *DirtyBitmap) Set(ipa uint64) {
	page := ipa >> PageShift
	word, bit := page/64, page%64
	if b.words[word]&(1<<bit) == 0 {
		b.words[word] |= 1 << bit
		b.count++
	}
}

// Test reports whether the page containing ipa is dirty.
func (b *DirtyBitmap) Test(ipa uint64) bool {
	page := ipa >> PageShift
	return b.words[page/64]&(1<<(page%64)) != 0
}

// Count returns the number of dirty pages.
func (b *DirtyBitmap) Count() int { return b.count }

// Pages returns every dirty page's IPA in ascending order.
func (b *DirtyBitmap) Pages() []uint64 {
	out := make([]uint64, 0, b.count)
	b.Each(func(ipa uint64) { out = append(out, ipa) })
	return out
}

// Each visits every dirty page's IPA in ascending order.
func (b *DirtyBitmap) Each(visit func(ipa uint64)) {
	keys := make([]uint64, 0, len(b.words))
	for w := range b.words {
		keys = append(keys, w)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, w := range keys {
		bits := b.words[w]
		for bit := 0; bits != 0; bit++ {
			if bits&(1<<bit) != 0 {
				visit((w*64 + uint64(bit)) << PageShift)
				bits &^= 1 << bit
			}
		}
	}
}
