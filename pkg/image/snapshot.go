package image

// Range is a half-open byte range [Offset, Offset+Size) of the image.
type Range struct {
	Offset int
	Size   int
}

// Snapshot holds the original contents of the ranges that are about to be
// overwritten, so that a failed multi-range write can be undone.
type Snapshot struct {
	length int
	saved  []savedRange
}

type savedRange struct {
	offset int
	data   []byte
}

// Snapshot captures the current contents of ranges. Ranges that fall outside
// of the image are skipped: writes to them fail before touching any byte.
func (b *Buffer) Snapshot(ranges ...Range) Snapshot {
	s := Snapshot{length: len(b.data)}
	for _, r := range ranges {
		if b.checkRange(r.Offset, r.Size) != nil {
			continue
		}
		data := make([]byte, r.Size)
		copy(data, b.data[r.Offset:r.Offset+r.Size])
		s.saved = append(s.saved, savedRange{offset: r.Offset, data: data})
	}
	return s
}

// Restore puts back the bytes captured by s and drops anything appended since.
func (b *Buffer) Restore(s Snapshot) {
	for _, r := range s.saved {
		copy(b.data[r.offset:], r.data)
	}
	if len(b.data) > s.length {
		b.data = b.data[:s.length]
	}
}
