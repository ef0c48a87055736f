package demux_test

import (
	"testing"

	mp4 "github.com/gomp4/isobmff"
	"github.com/gomp4/isobmff/demux"
)

var videoSampleEntryType = mp4.BoxType{'t', 'e', 's', 't'}

// buildFile assembles ftyp + moov (one video track, 3 samples, single
// chunk) plus an mdat into a contiguous in-memory "file".
// mdatPayloadOffset is where the (never-read-by-demux) sample payload
// starts.
func buildFile(t *testing.T) (data []byte, mdatPayloadOffset int64) {
	t.Helper()

	ftyp := &mp4.Box{Type: mp4.TypeFtyp, Ftyp: &mp4.Ftyp{
		Brand:            [4]byte{'i', 's', 'o', 'm'},
		BrandVersion:     0,
		CompatibleBrands: [][4]byte{{'i', 's', 'o', 'm'}},
	}}
	ftypBytes, err := mp4.EncodeToBytes(ftyp)
	if err != nil {
		t.Fatalf("encode ftyp: %v", err)
	}

	moov := buildMoov(0) // placeholder chunk offset, patched below
	firstPass, err := mp4.EncodeToBytes(moov)
	if err != nil {
		t.Fatalf("encode moov (sizing pass): %v", err)
	}

	chunkOffset := int64(len(ftypBytes)) + int64(len(firstPass)) + 8 // + mdat header
	moov = buildMoov(chunkOffset)
	moovBytes, err := mp4.EncodeToBytes(moov)
	if err != nil {
		t.Fatalf("encode moov: %v", err)
	}
	if len(moovBytes) != len(firstPass) {
		t.Fatalf("moov size changed between passes: %d vs %d", len(firstPass), len(moovBytes))
	}

	mdatHeader := make([]byte, 8)
	const payloadLen = 10 + 20 + 30
	be := uint32(8 + payloadLen)
	mdatHeader[0] = byte(be >> 24)
	mdatHeader[1] = byte(be >> 16)
	mdatHeader[2] = byte(be >> 8)
	mdatHeader[3] = byte(be)
	copy(mdatHeader[4:8], "mdat")

	data = append(data, ftypBytes...)
	data = append(data, moovBytes...)
	data = append(data, mdatHeader...)
	data = append(data, make([]byte, payloadLen)...)

	return data, chunkOffset
}

func buildMoov(chunkOffset int64) *mp4.Box {
	tkhd := &mp4.Box{Type: mp4.TypeTkhd, Tkhd: &mp4.Tkhd{TrackId: 1}}
	mdhd := &mp4.Box{Type: mp4.TypeMdhd, Mdhd: &mp4.Mdhd{TimeScale: 1000, Duration: 3000}}
	hdlr := &mp4.Box{Type: mp4.TypeHdlr, Hdlr: &mp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"}}
	vmhd := &mp4.Box{Type: mp4.TypeVmhd, Vmhd: &mp4.Vmhd{}}
	dref := &mp4.Box{Type: mp4.TypeDref, Dref: &mp4.DrefBox{Entries: []mp4.DrefEntry{
		{Type: [4]byte{'u', 'r', 'l', ' '}, Buf: []byte{0, 0, 0, 1}},
	}}}
	dinf := &mp4.Box{Type: mp4.TypeDinf, Children: map[mp4.BoxType][]*mp4.Box{mp4.TypeDref: {dref}}}

	sampleEntry := &mp4.Box{Type: videoSampleEntryType, Buffer: []byte{0xAA, 0xBB}}
	stsd := &mp4.Box{Type: mp4.TypeStsd, Stsd: &mp4.Stsd{Entries: []*mp4.Box{sampleEntry}}}
	stts := &mp4.Box{Type: mp4.TypeStts, Stts: &mp4.Stts{Entries: []mp4.STTSEntry{{Count: 3, Duration: 1000}}}}
	stsc := &mp4.Box{Type: mp4.TypeStsc, Stsc: &mp4.Stsc{Entries: []mp4.STSCEntry{
		{FirstChunk: 1, SamplesPerChunk: 3, SampleDescriptionId: 1},
	}}}
	stsz := &mp4.Box{Type: mp4.TypeStsz, Stsz: &mp4.Stsz{Entries: []uint32{10, 20, 30}}}
	stco := &mp4.Box{Type: mp4.TypeStco, Stco: &mp4.Stco{Entries: []uint32{uint32(chunkOffset)}}}

	stbl := &mp4.Box{Type: mp4.TypeStbl, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeStsd: {stsd},
		mp4.TypeStts: {stts},
		mp4.TypeStsc: {stsc},
		mp4.TypeStsz: {stsz},
		mp4.TypeStco: {stco},
	}}
	minf := &mp4.Box{Type: mp4.TypeMinf, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeVmhd: {vmhd},
		mp4.TypeDinf: {dinf},
		mp4.TypeStbl: {stbl},
	}}
	mdia := &mp4.Box{Type: mp4.TypeMdia, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeMdhd: {mdhd},
		mp4.TypeHdlr: {hdlr},
		mp4.TypeMinf: {minf},
	}}
	trak := &mp4.Box{Type: mp4.TypeTrak, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeTkhd: {tkhd},
		mp4.TypeMdia: {mdia},
	}}
	mvhd := &mp4.Box{Type: mp4.TypeMvhd, Mvhd: &mp4.Mvhd{TimeScale: 1000, Duration: 3000}}

	return &mp4.Box{Type: mp4.TypeMoov, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeMvhd: {mvhd},
		mp4.TypeTrak: {trak},
	}}
}

// drive feeds bytes into d until it either reaches Ready, Failed, or runs
// past the end of data without being satisfied.
func drive(t *testing.T, d *demux.Demuxer, data []byte) error {
	t.Helper()
	for {
		pos, size := d.RequiredInput()
		if size == 0 {
			return nil
		}
		end := pos + size
		if size < 0 || end > int64(len(data)) {
			end = int64(len(data))
		}
		if pos >= int64(len(data)) {
			return d.HandleInput(pos, nil)
		}
		if err := d.HandleInput(pos, data[pos:end]); err != nil {
			return err
		}
	}
}

func TestDemuxReadyAfterMoov(t *testing.T) {
	data, _ := buildFile(t)
	d := demux.New()
	if err := drive(t, d, data); err != nil {
		t.Fatalf("drive: %v", err)
	}
	if d.LastError() != nil {
		t.Fatalf("LastError: %v", d.LastError())
	}
	tracks := d.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("Tracks() = %d, want 1", len(tracks))
	}
	if tracks[0].Kind != demux.KindVideo {
		t.Fatalf("Kind = %v, want KindVideo", tracks[0].Kind)
	}
	if tracks[0].TimeScale != 1000 {
		t.Fatalf("TimeScale = %d, want 1000", tracks[0].TimeScale)
	}
}

func TestDemuxNextSampleOrder(t *testing.T) {
	data, chunkOffset := buildFile(t)
	d := demux.New()
	if err := drive(t, d, data); err != nil {
		t.Fatalf("drive: %v", err)
	}

	wantSizes := []uint32{10, 20, 30}
	wantOffsets := []int64{chunkOffset, chunkOffset + 10, chunkOffset + 30}
	for i := 0; i < 3; i++ {
		s, err := d.NextSample()
		if err != nil {
			t.Fatalf("NextSample(%d): %v", i, err)
		}
		if s.Track.ID != 1 {
			t.Errorf("sample %d track = %d, want 1", i, s.Track.ID)
		}
		if s.Size != wantSizes[i] {
			t.Errorf("sample %d size = %d, want %d", i, s.Size, wantSizes[i])
		}
		if s.Offset != wantOffsets[i] {
			t.Errorf("sample %d offset = %d, want %d", i, s.Offset, wantOffsets[i])
		}
		if s.SampleDescription == nil {
			t.Errorf("sample %d: nil SampleDescription", i)
		}
	}

	if _, err := d.NextSample(); mp4.CodeOf(err) != mp4.NoMoreSamples {
		t.Fatalf("NextSample after exhaustion: code = %v, want NoMoreSamples", mp4.CodeOf(err))
	}
}

func TestDemuxTruncatedInputFails(t *testing.T) {
	data, _ := buildFile(t)
	d := demux.New()

	pos, size := d.RequiredInput()
	if size <= 0 {
		t.Fatalf("unexpected initial RequiredInput: %d", size)
	}
	err := d.HandleInput(pos, data[pos:pos+size-1])
	if mp4.CodeOf(err) != mp4.InputRequired {
		t.Fatalf("HandleInput with short buffer: code = %v, want InputRequired", mp4.CodeOf(err))
	}

	if d.LastError() == nil {
		t.Fatalf("expected LastError to be set after truncated input")
	}
	if _, err := d.NextSample(); err != d.LastError() {
		t.Fatalf("NextSample after failure should surface the latched error")
	}
}

func TestDemuxWrongPositionFails(t *testing.T) {
	data, _ := buildFile(t)
	d := demux.New()

	_, size := d.RequiredInput()
	err := d.HandleInput(1, data[1:1+size])
	if mp4.CodeOf(err) != mp4.InvalidInput {
		t.Fatalf("HandleInput at wrong position: code = %v, want InvalidInput", mp4.CodeOf(err))
	}
}

func TestDemuxSkipsLeadingMdat(t *testing.T) {
	// A leading bounded mdat (non-faststart, payload-first layout) must be
	// skipped without the Demuxer reaching Ready, then moov completes it.
	leadingPayload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	leadingHeader := make([]byte, 8)
	sz := uint32(8 + len(leadingPayload))
	leadingHeader[0], leadingHeader[1], leadingHeader[2], leadingHeader[3] =
		byte(sz>>24), byte(sz>>16), byte(sz>>8), byte(sz)
	copy(leadingHeader[4:8], "mdat")

	ftyp := &mp4.Box{Type: mp4.TypeFtyp, Ftyp: &mp4.Ftyp{Brand: [4]byte{'i', 's', 'o', 'm'}}}
	ftypBytes, err := mp4.EncodeToBytes(ftyp)
	if err != nil {
		t.Fatalf("encode ftyp: %v", err)
	}

	moov := buildMoov(0)
	moovBytes, err := mp4.EncodeToBytes(moov)
	if err != nil {
		t.Fatalf("encode moov: %v", err)
	}

	var data []byte
	data = append(data, ftypBytes...)
	data = append(data, leadingHeader...)
	data = append(data, leadingPayload...)
	data = append(data, moovBytes...)

	d := demux.New()
	if err := drive(t, d, data); err != nil {
		t.Fatalf("drive: %v", err)
	}
	if d.LastError() != nil {
		t.Fatalf("LastError: %v", d.LastError())
	}
	if len(d.Tracks()) != 1 {
		t.Fatalf("Tracks() = %d, want 1", len(d.Tracks()))
	}
}

// TestDemuxLargesizeMdatHeader exercises the size==1 extended-size header
// form (a 32-bit size field of 1 followed by a 64-bit largesize), which is
// what mux.Muxer always emits for its mdat header since the final payload
// length isn't known at Initialize time.
func TestDemuxLargesizeMdatHeader(t *testing.T) {
	ftyp := &mp4.Box{Type: mp4.TypeFtyp, Ftyp: &mp4.Ftyp{Brand: [4]byte{'i', 's', 'o', 'm'}}}
	ftypBytes, err := mp4.EncodeToBytes(ftyp)
	if err != nil {
		t.Fatalf("encode ftyp: %v", err)
	}

	const payloadLen = 10 + 20 + 30
	mdatHeader := make([]byte, 16)
	be := uint32(1) // size field sentinel: real size is in the largesize field
	mdatHeader[0] = byte(be >> 24)
	mdatHeader[1] = byte(be >> 16)
	mdatHeader[2] = byte(be >> 8)
	mdatHeader[3] = byte(be)
	copy(mdatHeader[4:8], "mdat")
	largesize := uint64(16 + payloadLen)
	for i := 0; i < 8; i++ {
		mdatHeader[8+i] = byte(largesize >> (56 - 8*i))
	}

	chunkOffset := int64(len(ftypBytes)) + int64(len(mdatHeader))

	moov := buildMoov(chunkOffset)
	moovBytes, err := mp4.EncodeToBytes(moov)
	if err != nil {
		t.Fatalf("encode moov: %v", err)
	}

	var data []byte
	data = append(data, ftypBytes...)
	data = append(data, mdatHeader...)
	data = append(data, make([]byte, payloadLen)...)
	data = append(data, moovBytes...)

	d := demux.New()
	if err := drive(t, d, data); err != nil {
		t.Fatalf("drive: %v", err)
	}
	if d.LastError() != nil {
		t.Fatalf("LastError: %v", d.LastError())
	}
	if len(d.Tracks()) != 1 {
		t.Fatalf("Tracks() = %d, want 1", len(d.Tracks()))
	}

	s, err := d.NextSample()
	if err != nil {
		t.Fatalf("NextSample: %v", err)
	}
	if s.Offset != chunkOffset {
		t.Errorf("first sample offset = %d, want %d", s.Offset, chunkOffset)
	}
}

func TestDemuxOpenEndedMdatBeforeMoovFails(t *testing.T) {
	ftyp := &mp4.Box{Type: mp4.TypeFtyp, Ftyp: &mp4.Ftyp{Brand: [4]byte{'i', 's', 'o', 'm'}}}
	ftypBytes, err := mp4.EncodeToBytes(ftyp)
	if err != nil {
		t.Fatalf("encode ftyp: %v", err)
	}

	openEndedMdatHeader := make([]byte, 8) // size field == 0
	copy(openEndedMdatHeader[4:8], "mdat")

	var data []byte
	data = append(data, ftypBytes...)
	data = append(data, openEndedMdatHeader...)
	data = append(data, make([]byte, 16)...)

	d := demux.New()
	err = drive(t, d, data)
	if mp4.CodeOf(err) != mp4.InvalidData {
		t.Fatalf("open-ended mdat before moov: code = %v, want InvalidData", mp4.CodeOf(err))
	}
}
