package sampletable_test

import (
	"testing"

	mp4 "github.com/gomp4/isobmff"
	"github.com/gomp4/isobmff/sampletable"
)

// buildStbl constructs a synthetic stbl box tree with 2 chunks of 3 samples
// each, constant duration, variable size, one composition offset run, and
// two sync samples via stss (samples 1 and 4, the first of each chunk).
func buildStbl() *mp4.Box {
	stsz := &mp4.Box{Type: mp4.TypeStsz, Stsz: &mp4.Stsz{Entries: []uint32{100, 200, 150, 120, 130, 140}}}
	stts := &mp4.Box{Type: mp4.TypeStts, Stts: &mp4.Stts{Entries: []mp4.STTSEntry{{Count: 6, Duration: 1000}}}}
	stsc := &mp4.Box{Type: mp4.TypeStsc, Stsc: &mp4.Stsc{Entries: []mp4.STSCEntry{
		{FirstChunk: 1, SamplesPerChunk: 3, SampleDescriptionId: 1},
	}}}
	stco := &mp4.Box{Type: mp4.TypeStco, Stco: &mp4.Stco{Entries: []uint32{1000, 2000}}}
	ctts := &mp4.Box{Type: mp4.TypeCtts, Ctts: &mp4.Ctts{Entries: []mp4.CTTSEntry{
		{Count: 6, CompositionOffset: 2000},
	}}}
	stss := &mp4.Box{Type: mp4.TypeStss, Stco: &mp4.Stco{Entries: []uint32{1, 4}}}

	return &mp4.Box{
		Type: mp4.TypeStbl,
		Children: map[mp4.BoxType][]*mp4.Box{
			mp4.TypeStsz: {stsz},
			mp4.TypeStts: {stts},
			mp4.TypeStsc: {stsc},
			mp4.TypeStco: {stco},
			mp4.TypeCtts: {ctts},
			mp4.TypeStss: {stss},
		},
	}
}

func TestTableBasics(t *testing.T) {
	table, err := sampletable.New(buildStbl())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if table.Count() != 6 {
		t.Fatalf("Count = %d, want 6", table.Count())
	}
	if table.TotalDuration() != 6000 {
		t.Fatalf("TotalDuration = %d, want 6000", table.TotalDuration())
	}
}

func TestTableGetOffsets(t *testing.T) {
	table, err := sampletable.New(buildStbl())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wantOffsets := []int64{1000, 1100, 1300, 2000, 2120, 2250}
	wantSizes := []uint32{100, 200, 150, 120, 130, 140}
	for i := 0; i < 6; i++ {
		s, err := table.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if s.Offset != wantOffsets[i] {
			t.Errorf("sample %d offset = %d, want %d", i, s.Offset, wantOffsets[i])
		}
		if s.Size != wantSizes[i] {
			t.Errorf("sample %d size = %d, want %d", i, s.Size, wantSizes[i])
		}
		if s.DTS != int64(i)*1000 {
			t.Errorf("sample %d DTS = %d, want %d", i, s.DTS, int64(i)*1000)
		}
		if s.PTS() != s.DTS+2000 {
			t.Errorf("sample %d PTS = %d, want %d", i, s.PTS(), s.DTS+2000)
		}
	}
}

func TestTableSyncFlags(t *testing.T) {
	table, err := sampletable.New(buildStbl())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wantSync := []bool{true, false, false, true, false, false}
	for i, want := range wantSync {
		s, err := table.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if s.Sync != want {
			t.Errorf("sample %d sync = %v, want %v", i, s.Sync, want)
		}
	}
}

func TestTableNoStssMeansAllSync(t *testing.T) {
	stbl := buildStbl()
	delete(stbl.Children, mp4.TypeStss)
	table, err := sampletable.New(stbl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < table.Count(); i++ {
		s, err := table.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !s.Sync {
			t.Errorf("sample %d: want sync without stss", i)
		}
	}
}

func TestTableGetOutOfRange(t *testing.T) {
	table, err := sampletable.New(buildStbl())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := table.Get(-1); mp4.CodeOf(err) != mp4.InvalidInput {
		t.Errorf("Get(-1) code = %v, want InvalidInput", mp4.CodeOf(err))
	}
	if _, err := table.Get(6); mp4.CodeOf(err) != mp4.InvalidInput {
		t.Errorf("Get(6) code = %v, want InvalidInput", mp4.CodeOf(err))
	}
}

func TestTableGetByTimestamp(t *testing.T) {
	table, err := sampletable.New(buildStbl())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		ts        int64
		wantIndex int
	}{
		{0, 0},
		{999, 0},
		{1000, 1},
		{1500, 1},
		{5999, 5},
	}
	for _, c := range cases {
		s, err := table.GetByTimestamp(c.ts)
		if err != nil {
			t.Fatalf("GetByTimestamp(%d): %v", c.ts, err)
		}
		if s.Index != c.wantIndex {
			t.Errorf("GetByTimestamp(%d).Index = %d, want %d", c.ts, s.Index, c.wantIndex)
		}
	}

	if _, err := table.GetByTimestamp(-1); mp4.CodeOf(err) != mp4.NoMoreSamples {
		t.Errorf("GetByTimestamp(-1) code = %v, want NoMoreSamples", mp4.CodeOf(err))
	}
}

func TestTableIter(t *testing.T) {
	table, err := sampletable.New(buildStbl())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	it := table.Iter()
	count := 0
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		if s.Index != count {
			t.Fatalf("iter index %d, want %d", s.Index, count)
		}
		count++
	}
	if count != table.Count() {
		t.Fatalf("iterated %d samples, want %d", count, table.Count())
	}
}

func TestTableConstantSampleSize(t *testing.T) {
	stbl := buildStbl()
	stbl.Children[mp4.TypeStsz] = []*mp4.Box{{Type: mp4.TypeStsz, Stsz: &mp4.Stsz{
		SampleSize: 128, Entries: make([]uint32, 6),
	}}}
	table, err := sampletable.New(stbl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := table.Get(3)
	if err != nil {
		t.Fatalf("Get(3): %v", err)
	}
	if s.Size != 128 {
		t.Errorf("size = %d, want 128", s.Size)
	}
	if s.Offset != 2000 {
		t.Errorf("offset = %d, want 2000 (first sample of chunk 2)", s.Offset)
	}
}

func TestTableMissingStco(t *testing.T) {
	stbl := buildStbl()
	delete(stbl.Children, mp4.TypeStco)
	if _, err := sampletable.New(stbl); mp4.CodeOf(err) != mp4.InvalidData {
		t.Fatalf("New with missing stco/co64: code = %v, want InvalidData", mp4.CodeOf(err))
	}
}

func TestTableStscChunkMismatch(t *testing.T) {
	stbl := buildStbl()
	stbl.Children[mp4.TypeStco] = []*mp4.Box{{Type: mp4.TypeStco, Stco: &mp4.Stco{Entries: []uint32{1000}}}}
	if _, err := sampletable.New(stbl); mp4.CodeOf(err) != mp4.InvalidData {
		t.Fatalf("New with stsc/stco mismatch: code = %v, want InvalidData", mp4.CodeOf(err))
	}
}

func TestCodecStringAvc1(t *testing.T) {
	avcC := &mp4.Box{Type: mp4.TypeAvcC, AvcC: &mp4.AvcC{MimeCodec: "64001e"}}
	entry := &mp4.Box{Type: mp4.TypeAvc1, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeAvcC: {avcC},
	}}
	if got := sampletable.CodecString(entry); got != "avc1.64001e" {
		t.Fatalf("CodecString(avc1) = %q, want avc1.64001e", got)
	}
}

func TestCodecStringMp4a(t *testing.T) {
	esds := &mp4.Box{Type: mp4.TypeEsds, Esds: &mp4.Esds{MimeCodec: "40.2"}}
	entry := &mp4.Box{Type: mp4.TypeMp4a, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeEsds: {esds},
	}}
	if got := sampletable.CodecString(entry); got != "mp4a.40.2" {
		t.Fatalf("CodecString(mp4a) = %q, want mp4a.40.2", got)
	}
}

func TestCodecStringHevc(t *testing.T) {
	hvcC := &mp4.Box{Type: mp4.TypeHvcC, HvccBox: &mp4.HvccBox{
		GeneralProfileSpace:              0,
		GeneralProfileIdc:                1,
		GeneralProfileCompatibilityFlags: 0x60000000,
		GeneralTierFlag:                  0,
		GeneralLevelIdc:                  93,
		GeneralConstraintIndicatorFlags:  0x900000000000,
	}}
	entry := &mp4.Box{Type: mp4.TypeHev1, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeHvcC: {hvcC},
	}}
	if got := sampletable.CodecString(entry); got != "hev1.1.6.L93.90" {
		t.Fatalf("CodecString(hev1) = %q, want hev1.1.6.L93.90", got)
	}
}

func TestCodecStringVp9(t *testing.T) {
	vpcC := &mp4.Box{Type: mp4.TypeVpcC, VpccBox: &mp4.VpccBox{
		Profile: 2, Level: 10, BitDepth: 10, ChromaSubsampling: 1,
		ColourPrimaries: 9, TransferCharacteristics: 16, MatrixCoefficients: 9,
		VideoFullRangeFlag: 1,
	}}
	entry := &mp4.Box{Type: mp4.TypeVp09, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeVpcC: {vpcC},
	}}
	if got := sampletable.CodecString(entry); got != "vp09.02.10.10.1.09.16.09.1" {
		t.Fatalf("CodecString(vp09) = %q, want vp09.02.10.10.1.09.16.09.1", got)
	}
}

func TestCodecStringAv1(t *testing.T) {
	av1C := &mp4.Box{Type: mp4.TypeAv1C, Av1cBox: &mp4.Av1cBox{
		SeqProfile: 0, SeqLevelIdx0: 4, SeqTier0: 0,
	}}
	entry := &mp4.Box{Type: mp4.TypeAv01, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeAv1C: {av1C},
	}}
	if got := sampletable.CodecString(entry); got != "av01.0.04M.08" {
		t.Fatalf("CodecString(av01) = %q, want av01.0.04M.08", got)
	}
}

func TestCodecStringOpusFlac(t *testing.T) {
	opus := &mp4.Box{Type: mp4.TypeOpus}
	if got := sampletable.CodecString(opus); got != "opus" {
		t.Fatalf("CodecString(Opus) = %q, want opus", got)
	}
	flac := &mp4.Box{Type: mp4.TypeFLaC}
	if got := sampletable.CodecString(flac); got != "flac" {
		t.Fatalf("CodecString(fLaC) = %q, want flac", got)
	}
}

func TestTableCo64(t *testing.T) {
	stbl := buildStbl()
	delete(stbl.Children, mp4.TypeStco)
	stbl.Children[mp4.TypeCo64] = []*mp4.Box{{Type: mp4.TypeCo64, Co64: &mp4.Co64{
		Entries: []uint64{1 << 40, (1 << 40) + 1000},
	}}}
	table, err := sampletable.New(stbl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := table.Get(3)
	if err != nil {
		t.Fatalf("Get(3): %v", err)
	}
	if s.Offset != (1<<40)+1000 {
		t.Errorf("offset = %d, want %d", s.Offset, (1<<40)+1000)
	}
}
