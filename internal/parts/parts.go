package parts

import (
	"fmt"
	"sync/atomic"
)

// Part is one inclusive byte range of the remote resource.
// Start, End and the length derived from them never change after creation;
// only the received counter moves.
type Part struct {
	ID       int
	Start    int64
	End      int64
	length   int64
	received atomic.Int64
}

func NewPart(id int, start, end int64) *Part {
	return &Part{
		ID:     id,
		Start:  start,
		End:    end,
		length: end - start + 1,
	}
}

func (p *Part) Length() int64 {
	return p.length
}

func (p *Part) Received() int64 {
	return p.received.Load()
}

// SetReceived is used when restoring a ledger; fetchers use Advance.
func (p *Part) SetReceived(n int64) {
	p.received.Store(n)
}

// Advance adds n freshly written bytes and returns the new count.
func (p *Part) Advance(n int64) int64 {
	return p.received.Add(n)
}

// Remaining is the number of bytes still missing from the part.
func (p *Part) Remaining() int64 {
	return p.length - p.received.Load()
}

// Offset is the next absolute byte to request.
func (p *Part) Offset() int64 {
	return p.Start + p.received.Load()
}

func (p *Part) Done() bool {
	return p.received.Load() == p.length
}

// RangeHeader renders the remaining range as an HTTP Range value.
func (p *Part) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", p.Offset(), p.End)
}

func (p *Part) String() string {
	return fmt.Sprintf("part %d [%d-%d] %d/%d", p.ID, p.Start, p.End, p.Received(), p.length)
}

// Split divides size bytes into count contiguous parts. The last part absorbs
// the remainder.
func Split(size int64, count int) []*Part {
	if size <= 0 {
		return nil
	}
	if count <= 0 {
		count = 1
	}
	if int64(count) > size {
		count = int(size)
	}
	partSize := size / int64(count)
	list := make([]*Part, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * partSize
		end := start + partSize - 1
		if i == count-1 {
			end = size - 1
		}
		list = append(list, NewPart(i, start, end))
	}
	return list
}

// SplitBySize divides size bytes into parts of partSize bytes each.
func SplitBySize(size, partSize int64) []*Part {
	if size <= 0 {
		return nil
	}
	if partSize <= 0 || partSize >= size {
		return []*Part{NewPart(0, 0, size-1)}
	}
	var list []*Part
	for start, id := int64(0), 0; start < size; start, id = start+partSize, id+1 {
		end := min(start+partSize-1, size-1)
		list = append(list, NewPart(id, start, end))
	}
	return list
}
