package scenario

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/pprof/profile"

	"github.com/kolkov/gcmark/internal/gc/header"
	"github.com/kolkov/gcmark/internal/gc/heap"
)

// Profile sample indexes.
const (
	sampleObjects = iota
	sampleBytes
)

// Profile returns a pprof profile of the heap after marking. Every type
// contributes up to two samples, labeled state=live and state=dead, with
// object counts and bytes including headers.
//
// View with:
//
//	go tool pprof -sample_index=space -tagfocus=state=live heap.pb.gz
func (w *World) Profile() (*profile.Profile, error) {
	type key struct {
		index header.GCInfoIndex
		live  bool
	}
	totals := make(map[key][2]int64)
	w.Heap.ForEachObject(func(hdr *header.Header, payload heap.Address) bool {
		if hdr.IsFree() {
			return true
		}
		k := key{index: hdr.GCInfoIndex(), live: hdr.IsMarked()}
		t := totals[k]
		t[sampleObjects]++
		t[sampleBytes] += int64(heap.PayloadSize(hdr) + header.Size)
		totals[k] = t
		return true
	})

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		DefaultSampleType: "space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
		TimeNanos:         time.Now().UnixNano(),
		Comments:          []string{fmt.Sprintf("gcmark heap %q", w.Heap.Name())},
	}

	keys := make([]key, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b key) int {
		if a.index != b.index {
			return int(a.index) - int(b.index)
		}
		if a.live == b.live {
			return 0
		}
		if a.live {
			return -1
		}
		return 1
	})

	locations := make(map[header.GCInfoIndex]*profile.Location)
	for _, k := range keys {
		loc, ok := locations[k.index]
		if !ok {
			id := uint64(len(p.Function) + 1)
			fn := &profile.Function{ID: id, Name: w.Types.FromIndex(k.index).Name, SystemName: fmt.Sprintf("gcinfo#%d", k.index)}
			loc = &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
			p.Function = append(p.Function, fn)
			p.Location = append(p.Location, loc)
			locations[k.index] = loc
		}
		state := "dead"
		if k.live {
			state = "live"
		}
		t := totals[k]
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{t[sampleObjects], t[sampleBytes]},
			Location: []*profile.Location{loc},
			Label:    map[string][]string{"state": {state}},
		})
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("build heap profile: %w", err)
	}
	return p, nil
}

// WriteProfile writes the gzipped pprof profile of the heap to out.
func (w *World) WriteProfile(out io.Writer) error {
	p, err := w.Profile()
	if err != nil {
		return err
	}
	return p.Write(out)
}
