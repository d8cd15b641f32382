package parts

import (
	"fmt"
	"sync/atomic"
)

// Info is the download ledger shared by the driver and all fetchers.
type Info struct {
	Source     string
	Length     int64
	parts      []*Part
	downloaded atomic.Int64
}

func NewInfo(source string, length int64, list []*Part) (*Info, error) {
	var next int64
	for i, p := range list {
		if p.Start != next || p.End < p.Start {
			return nil, fmt.Errorf("part %d [%d-%d] does not continue at offset %d", i, p.Start, p.End, next)
		}
		next = p.End + 1
	}
	if next != length {
		return nil, fmt.Errorf("parts cover %d bytes, resource has %d", next, length)
	}
	info := &Info{Source: source, Length: length, parts: list}
	info.Calculate()
	return info, nil
}

// Parts returns the parts in scan order.
func (i *Info) Parts() []*Part {
	return i.parts
}

// Calculate recomputes the aggregate progress from every part. Concurrent
// callers may publish slightly stale sums; the last call wins.
func (i *Info) Calculate() int64 {
	var total int64
	for _, p := range i.parts {
		total += p.Received()
	}
	i.downloaded.Store(total)
	return total
}

func (i *Info) Downloaded() int64 {
	return i.downloaded.Load()
}

func (i *Info) Done() bool {
	for _, p := range i.parts {
		if !p.Done() {
			return false
		}
	}
	return true
}
