// Package sampletable builds per-track chunk/sample indices from a decoded
// stbl box and answers position, size, timestamp, and sync-flag queries in
// O(log N) without expanding stts/stsc/ctts run-length tables into
// per-sample arrays.
package sampletable

import (
	"sort"

	mp4 "github.com/gomp4/isobmff"
)

// Sample is the atomic unit returned by Get and GetByTimestamp.
type Sample struct {
	Index                  int
	Offset                 int64
	Size                   uint32
	DTS                    int64
	Duration               uint32
	CompositionOffset      int32
	SampleDescriptionIndex uint32
	Sync                   bool
}

// PTS returns the presentation timestamp (DTS plus the composition offset).
func (s Sample) PTS() int64 { return s.DTS + int64(s.CompositionOffset) }

// sttsRun is one expanded (count, duration) run from stts, with the
// cumulative sample count and cumulative decode time at its start.
type sttsRun struct {
	sampleStart uint64
	timeStart   int64
	count       uint32
	duration    uint32
}

// stscRun is one stsc entry together with the cumulative sample count at
// the first chunk the run covers.
type stscRun struct {
	sampleStart     uint64
	firstChunk      uint32
	samplesPerChunk uint32
	sampleDescIdx   uint32
}

// cttsRun is one expanded (count, offset) run from ctts.
type cttsRun struct {
	sampleStart uint64
	count       uint32
	offset      int32
}

// Table is the sample-table accessor for a single track's stbl.
type Table struct {
	count int

	constSize uint32 // nonzero when every sample shares this size
	sizes     []uint32
	cumSize   []uint64 // prefix sum, length count+1; nil when constSize != 0

	chunkOffsets []int64
	stscRuns     []stscRun

	sttsRuns      []sttsRun
	totalDuration int64

	cttsRuns []cttsRun // nil when ctts is absent

	syncSamples []uint32 // 1-based sample numbers from stss, ascending; nil means all samples are sync
}

// New builds a Table from a fully decoded stbl box.
func New(stbl *mp4.Box) (*Table, error) {
	if stbl == nil {
		return nil, mp4.NewError(mp4.InvalidData, "stbl box missing")
	}

	stszBox := stbl.Child(mp4.TypeStsz)
	sttsBox := stbl.Child(mp4.TypeStts)
	stscBox := stbl.Child(mp4.TypeStsc)
	stcoBox := stbl.Child(mp4.TypeStco)
	co64Box := stbl.Child(mp4.TypeCo64)
	cttsBox := stbl.Child(mp4.TypeCtts)
	stssBox := stbl.Child(mp4.TypeStss)

	if stszBox == nil || stszBox.Stsz == nil {
		return nil, mp4.NewError(mp4.InvalidData, "stbl: missing stsz/stz2")
	}
	if sttsBox == nil || sttsBox.Stts == nil {
		return nil, mp4.NewError(mp4.InvalidData, "stbl: missing stts")
	}
	if stscBox == nil || stscBox.Stsc == nil {
		return nil, mp4.NewError(mp4.InvalidData, "stbl: missing stsc")
	}

	var chunkOffsets []int64
	switch {
	case co64Box != nil && co64Box.Co64 != nil:
		chunkOffsets = make([]int64, len(co64Box.Co64.Entries))
		for i, v := range co64Box.Co64.Entries {
			chunkOffsets[i] = int64(v)
		}
	case stcoBox != nil && stcoBox.Stco != nil:
		chunkOffsets = make([]int64, len(stcoBox.Stco.Entries))
		for i, v := range stcoBox.Stco.Entries {
			chunkOffsets[i] = int64(v)
		}
	default:
		return nil, mp4.NewError(mp4.InvalidData, "stbl: missing stco/co64")
	}

	t := &Table{}

	sz := stszBox.Stsz
	t.count = len(sz.Entries)
	if sz.SampleSize != 0 {
		t.constSize = sz.SampleSize
	} else {
		t.sizes = sz.Entries
	}

	if t.count > 0 && t.constSize == 0 {
		t.cumSize = make([]uint64, t.count+1)
		for i, sV := range t.sizes {
			t.cumSize[i+1] = t.cumSize[i] + uint64(sV)
		}
	}

	if t.count > 0 && len(chunkOffsets) == 0 {
		return nil, mp4.NewError(mp4.InvalidData, "stbl: samples present but stco/co64 has no chunks")
	}
	t.chunkOffsets = chunkOffsets

	if err := t.buildStscRuns(stscBox.Stsc); err != nil {
		return nil, err
	}
	t.buildSttsRuns(sttsBox.Stts)
	if sttsTotal := sttsSampleTotal(t.sttsRuns); sttsTotal != uint64(t.count) {
		return nil, mp4.NewErrorf(mp4.InvalidData, "stbl: stts covers %d samples, stsz has %d", sttsTotal, t.count)
	}
	if stscTotal := stscSampleTotal(t.stscRuns, len(t.chunkOffsets)); stscTotal != uint64(t.count) {
		return nil, mp4.NewErrorf(mp4.InvalidData, "stbl: stsc covers %d samples across %d chunks, stsz has %d", stscTotal, len(t.chunkOffsets), t.count)
	}

	if cttsBox != nil && cttsBox.Ctts != nil {
		t.buildCttsRuns(cttsBox.Ctts)
	}

	if stssBox != nil && stssBox.Stco != nil {
		t.syncSamples = stssBox.Stco.Entries
	}

	return t, nil
}

func (t *Table) buildStscRuns(stsc *mp4.Stsc) error {
	numChunks := len(t.chunkOffsets)
	if numChunks == 0 {
		t.stscRuns = nil
		return nil
	}
	if len(stsc.Entries) == 0 {
		return mp4.NewError(mp4.InvalidData, "stbl: stco/co64 has chunks but stsc is empty")
	}

	runs := make([]stscRun, len(stsc.Entries))
	var sampleStart uint64
	for i, e := range stsc.Entries {
		runs[i] = stscRun{
			sampleStart:     sampleStart,
			firstChunk:      e.FirstChunk,
			samplesPerChunk: e.SamplesPerChunk,
			sampleDescIdx:   e.SampleDescriptionId,
		}
		var nChunks uint32
		if i+1 < len(stsc.Entries) {
			next := stsc.Entries[i+1].FirstChunk
			if next <= e.FirstChunk {
				return mp4.NewError(mp4.InvalidData, "stbl: stsc first_chunk values are not strictly increasing")
			}
			nChunks = next - e.FirstChunk
		} else {
			if uint32(numChunks)+1 <= e.FirstChunk {
				return mp4.NewError(mp4.InvalidData, "stbl: stsc references chunks beyond stco/co64")
			}
			nChunks = uint32(numChunks) + 1 - e.FirstChunk
		}
		sampleStart += uint64(nChunks) * uint64(e.SamplesPerChunk)
	}
	t.stscRuns = runs
	return nil
}

func (t *Table) buildSttsRuns(stts *mp4.Stts) {
	runs := make([]sttsRun, len(stts.Entries))
	var sampleStart uint64
	var timeStart int64
	for i, e := range stts.Entries {
		runs[i] = sttsRun{sampleStart: sampleStart, timeStart: timeStart, count: e.Count, duration: e.Duration}
		sampleStart += uint64(e.Count)
		timeStart += int64(e.Count) * int64(e.Duration)
	}
	t.sttsRuns = runs
	t.totalDuration = timeStart
}

func (t *Table) buildCttsRuns(ctts *mp4.Ctts) {
	runs := make([]cttsRun, len(ctts.Entries))
	var sampleStart uint64
	for i, e := range ctts.Entries {
		runs[i] = cttsRun{sampleStart: sampleStart, count: e.Count, offset: e.CompositionOffset}
		sampleStart += uint64(e.Count)
	}
	t.cttsRuns = runs
}

func sttsSampleTotal(runs []sttsRun) uint64 {
	if len(runs) == 0 {
		return 0
	}
	last := runs[len(runs)-1]
	return last.sampleStart + uint64(last.count)
}

func stscSampleTotal(runs []stscRun, numChunks int) uint64 {
	if len(runs) == 0 {
		return 0
	}
	last := runs[len(runs)-1]
	nChunks := uint64(numChunks) + 1 - uint64(last.firstChunk)
	return last.sampleStart + nChunks*uint64(last.samplesPerChunk)
}

// Count returns the number of samples in the track.
func (t *Table) Count() int { return t.count }

// TotalDuration returns the sum of all sample durations in media timescale ticks.
func (t *Table) TotalDuration() int64 { return t.totalDuration }

func (t *Table) size(index int) uint32 {
	if t.constSize != 0 {
		return t.constSize
	}
	return t.sizes[index]
}

func (t *Table) cumSizeAt(index int) uint64 {
	if t.constSize != 0 {
		return uint64(index) * uint64(t.constSize)
	}
	return t.cumSize[index]
}

// sampleToChunk returns, for a given 0-based sample index, the 0-based
// chunk index it lives in, the 0-based sample index of the chunk's first
// sample, and the sample description index in force for that chunk.
func (t *Table) sampleToChunk(index int) (chunk int, chunkFirstSample uint64, sampleDescIdx uint32) {
	i := sort.Search(len(t.stscRuns), func(i int) bool {
		return t.stscRuns[i].sampleStart > uint64(index)
	}) - 1
	run := t.stscRuns[i]
	offsetInRun := uint64(index) - run.sampleStart
	chunkOffsetInRun := offsetInRun / uint64(run.samplesPerChunk)
	sampleOffsetInChunk := offsetInRun % uint64(run.samplesPerChunk)
	chunk = int(run.firstChunk-1) + int(chunkOffsetInRun)
	chunkFirstSample = uint64(index) - sampleOffsetInChunk
	sampleDescIdx = run.sampleDescIdx
	return
}

func (t *Table) dtsAndDuration(index int) (int64, uint32) {
	i := sort.Search(len(t.sttsRuns), func(i int) bool {
		return t.sttsRuns[i].sampleStart > uint64(index)
	}) - 1
	run := t.sttsRuns[i]
	n := uint64(index) - run.sampleStart
	return run.timeStart + int64(n)*int64(run.duration), run.duration
}

func (t *Table) compositionOffset(index int) int32 {
	if len(t.cttsRuns) == 0 {
		return 0
	}
	i := sort.Search(len(t.cttsRuns), func(i int) bool {
		return t.cttsRuns[i].sampleStart > uint64(index)
	}) - 1
	return t.cttsRuns[i].offset
}

func (t *Table) isSync(index int) bool {
	if t.syncSamples == nil {
		return true
	}
	sampleNumber := uint32(index + 1)
	i := sort.Search(len(t.syncSamples), func(i int) bool { return t.syncSamples[i] >= sampleNumber })
	return i < len(t.syncSamples) && t.syncSamples[i] == sampleNumber
}

// Get returns the sample at the given 0-based index, in O(log N).
func (t *Table) Get(index int) (Sample, error) {
	if index < 0 || index >= t.count {
		return Sample{}, mp4.NewErrorf(mp4.InvalidInput, "sample index %d out of range [0, %d)", index, t.count)
	}

	chunk, chunkFirstSample, sampleDescIdx := t.sampleToChunk(index)
	if chunk < 0 || chunk >= len(t.chunkOffsets) {
		return Sample{}, mp4.NewErrorf(mp4.InvalidData, "sample %d maps to chunk %d outside stco/co64", index, chunk)
	}

	offset := t.chunkOffsets[chunk] + int64(t.cumSizeAt(index)-t.cumSizeAt(int(chunkFirstSample)))
	dts, duration := t.dtsAndDuration(index)

	return Sample{
		Index:                  index,
		Offset:                 offset,
		Size:                   t.size(index),
		DTS:                    dts,
		Duration:               duration,
		CompositionOffset:      t.compositionOffset(index),
		SampleDescriptionIndex: sampleDescIdx,
		Sync:                   t.isSync(index),
	}, nil
}

// GetByTimestamp returns the sample with the greatest decode timestamp <= t,
// in O(log N). Returns NoMoreSamples if ts precedes the first sample.
func (t *Table) GetByTimestamp(ts int64) (Sample, error) {
	if t.count == 0 {
		return Sample{}, mp4.NewError(mp4.NoMoreSamples, "sample table is empty")
	}

	i := sort.Search(len(t.sttsRuns), func(i int) bool {
		return t.sttsRuns[i].timeStart > ts
	}) - 1
	if i < 0 {
		return Sample{}, mp4.NewErrorf(mp4.NoMoreSamples, "timestamp %d precedes the first sample", ts)
	}
	run := t.sttsRuns[i]

	var n uint64
	if run.duration > 0 {
		n = uint64((ts - run.timeStart) / int64(run.duration))
	}
	if n >= uint64(run.count) {
		n = uint64(run.count) - 1
	}
	index := int(run.sampleStart + n)
	if index >= t.count {
		index = t.count - 1
	}
	return t.Get(index)
}

// Iter walks samples in increasing decode-time order (which, for a single
// track, is simply increasing sample index). Each step is one Get call,
// O(log N); it keeps no run cursors between steps.
type Iter struct {
	t   *Table
	pos int
}

// Iter returns a fresh iterator positioned before the first sample.
func (t *Table) Iter() *Iter { return &Iter{t: t} }

// Next returns the next sample, or (Sample{}, false) when exhausted.
func (it *Iter) Next() (Sample, bool) {
	if it.pos >= it.t.count {
		return Sample{}, false
	}
	s, err := it.t.Get(it.pos)
	if err != nil {
		return Sample{}, false
	}
	it.pos++
	return s, true
}
