package ndecrypt

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

const testImagePath = "/roms/game.3ds"

type toolFixture struct {
	fs      afero.Fs
	tool    *ThreeDSTool
	plain   []byte
	layouts []testLayout
	parts   []testPartition
}

func newToolFixture(t *testing.T, parts []testPartition, config Config) *toolFixture {
	t.Helper()

	plain, layouts := buildPlainImage(parts)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testImagePath, plain, 0644))

	config.Fs = fs
	config.Log = testLogger()
	if config.Keys == nil {
		config.Keys = testKeyMaterial()
	}

	return &toolFixture{
		fs:      fs,
		tool:    NewThreeDSTool(config),
		plain:   plain,
		layouts: layouts,
		parts:   parts,
	}
}

func testSeeds() *SeedDB {
	return NewSeedDB(map[uint64][16]byte{testProgramID: testSeed})
}

func (f *toolFixture) run(t *testing.T, op Operation, force bool) *Report {
	t.Helper()
	report, err := f.tool.ProcessFile(context.Background(), testImagePath, op, force)
	require.NoError(t, err)
	require.Equal(t, testImagePath, report.Path)
	require.Equal(t, op, report.Operation)
	return report
}

func (f *toolFixture) read(t *testing.T) []byte {
	t.Helper()
	data, err := afero.ReadFile(f.fs, testImagePath)
	require.NoError(t, err)
	return data
}

func (f *toolFixture) partition(data []byte, i int) []byte {
	l := f.layouts[i]
	return data[l.offset : l.offset+l.size]
}

func requireStates(t *testing.T, report *Report, states ...PartitionState) {
	t.Helper()
	require.Len(t, report.Partitions, len(states))
	for i, state := range states {
		require.Equal(t, state, report.Partitions[i].State, "partition %d: %v", report.Partitions[i].Index, report.Partitions[i].Err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})

	report := f.run(t, Encrypt, false)
	requireStates(t, report, StateTransformed, StateTransformed)
	require.True(t, report.Success())
	require.False(t, report.Skipped())

	encrypted := f.read(t)
	require.Len(t, encrypted, len(f.plain))
	require.Equal(t, f.plain[:testFirstPartition], encrypted[:testFirstPartition])
	for i := range f.layouts {
		require.NotEqual(t, f.partition(f.plain, i), f.partition(encrypted, i))
	}

	report = f.run(t, Decrypt, false)
	requireStates(t, report, StateTransformed, StateTransformed)
	require.Equal(t, f.plain, f.read(t))
}

func TestEncryptedSections(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})
	f.run(t, Encrypt, false)
	encrypted := f.read(t)

	plain := f.partition(f.plain, 0)
	actual := f.partition(encrypted, 0)
	layout := f.layouts[0]

	header, err := ParseNCCHHeader(actual[:ncchHeaderSize])
	require.NoError(t, err)
	require.Equal(t, CryptoNew96, header.Flags.CryptoMethod())
	require.True(t, header.Flags.NewKeyY())
	require.False(t, header.Flags.NoCrypto())
	require.Equal(t, plain[:ncchFlagsOffset], actual[:ncchFlagsOffset])
	require.Equal(t, plain[ncchFlagsOffset+8:ncchHeaderSize], actual[ncchFlagsOffset+8:ncchHeaderSize])

	keyY := uint128.FromBytesBE(testKeyY[:])
	base := newNormalKey(Scramble(testRetail.X0x2C, keyY, testConstant))
	content := newNormalKey(hexUint128("663F7D66157FB6119F32EF4BC624876C"))

	expect := func(region Region, key NormalKey, counter Counter, sectionOffset int64) []byte {
		buf := append([]byte(nil), plain[region.Offset:region.end()]...)
		NewSectionStream(key, counter, sectionOffset).XORKeyStream(buf, buf)
		return buf
	}

	exheader := layout.exheader
	require.Equal(t,
		expect(exheader, base, SectionCounter(header, SectionExHeader, exheader.Offset), 0),
		actual[exheader.Offset:exheader.end()])

	exefs := layout.exefs
	exefsCounter := SectionCounter(header, SectionExeFS, exefs.Offset)
	code := Region{Offset: exefs.Offset + exefsHeaderSize, Size: testCodeSize}
	rest := Region{Offset: code.end(), Size: exefs.end() - code.end()}
	exefsHeader := Region{Offset: exefs.Offset, Size: exefsHeaderSize}
	require.Equal(t, expect(exefsHeader, base, exefsCounter, 0), actual[exefsHeader.Offset:exefsHeader.end()])
	require.Equal(t, expect(code, content, exefsCounter, exefsHeaderSize), actual[code.Offset:code.end()])
	require.Equal(t, expect(rest, base, exefsCounter, exefsHeaderSize+testCodeSize), actual[rest.Offset:rest.end()])

	romfs := layout.romfs
	require.Equal(t,
		expect(romfs, content, SectionCounter(header, SectionRomFS, romfs.Offset), 0),
		actual[romfs.Offset:romfs.end()])
}

func TestEncryptedManualUsesOriginalMethod(t *testing.T) {
	parts := defaultTestPartitions()
	f := newToolFixture(t, parts, Config{Seeds: testSeeds()})
	f.run(t, Encrypt, false)

	plain := f.partition(f.plain, 1)
	actual := f.partition(f.read(t), 1)

	header, err := ParseNCCHHeader(actual[:ncchHeaderSize])
	require.NoError(t, err)
	require.Equal(t, CryptoOriginal, header.Flags.CryptoMethod())
	require.False(t, header.Flags.NewKeyY())
	require.False(t, header.Flags.NoCrypto())

	// the RomFS spans several chunks
	romfs := f.layouts[1].romfs
	require.Greater(t, romfs.Size, int64(chunkSize))

	keyY := uint128.FromBytesBE(parts[1].keyY[:])
	key := newNormalKey(Scramble(testRetail.X0x2C, keyY, testConstant))
	expected := append([]byte(nil), plain[romfs.Offset:romfs.end()]...)
	TransformSection(expected, key, SectionCounter(header, SectionRomFS, romfs.Offset), 0)
	require.Equal(t, expected, actual[romfs.Offset:romfs.end()])
}

func TestDecryptEncryptDecrypt(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})
	f.run(t, Encrypt, false)
	encrypted := f.read(t)

	f.run(t, Decrypt, false)
	require.Equal(t, f.plain, f.read(t))

	f.run(t, Encrypt, false)
	require.Equal(t, encrypted, f.read(t))

	f.run(t, Decrypt, false)
	require.Equal(t, f.plain, f.read(t))
}

func TestAlreadyInTargetState(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})

	report := f.run(t, Decrypt, false)
	requireStates(t, report, StateAlreadyTarget, StateAlreadyTarget)
	require.True(t, report.Success())
	require.True(t, report.Skipped())
	require.Equal(t, f.plain, f.read(t))

	f.run(t, Encrypt, false)
	encrypted := f.read(t)

	report = f.run(t, Encrypt, false)
	requireStates(t, report, StateAlreadyTarget, StateAlreadyTarget)
	require.True(t, report.Skipped())
	require.Equal(t, encrypted, f.read(t))
}

func TestDecryptNoCryptoIgnoresForce(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})

	report := f.run(t, Decrypt, true)
	requireStates(t, report, StateAlreadyTarget, StateAlreadyTarget)
	require.Equal(t, f.plain, f.read(t))
}

func TestForceEncrypt(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})
	f.run(t, Encrypt, false)
	encrypted := f.read(t)

	report := f.run(t, Encrypt, true)
	requireStates(t, report, StateTransformed, StateTransformed)
	forced := f.read(t)
	require.NotEqual(t, encrypted, forced)
	require.Equal(t, encrypted[:testFirstPartition], forced[:testFirstPartition])
}

func TestKeyMaterialUnready(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Keys: &KeyMaterial{}, Seeds: testSeeds()})

	for _, op := range []Operation{Encrypt, Decrypt} {
		report, err := f.tool.ProcessFile(context.Background(), testImagePath, op, true)
		require.ErrorIs(t, err, ErrKeyMaterialUnready)
		require.Nil(t, report)
		require.False(t, report.Success())
		require.Equal(t, f.plain, f.read(t))
	}
}

func TestMissingSeedFailsOnlyItsPartition(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{})

	report := f.run(t, Encrypt, false)
	requireStates(t, report, StateFailed, StateTransformed)
	require.ErrorIs(t, report.Partitions[0].Err, ErrMissingSeed)
	require.False(t, report.Success())

	actual := f.read(t)
	require.Equal(t, f.partition(f.plain, 0), f.partition(actual, 0))
	require.NotEqual(t, f.partition(f.plain, 1), f.partition(actual, 1))
}

func TestSeedMismatchFailsOnlyItsPartition(t *testing.T) {
	seeds := NewSeedDB(map[uint64][16]byte{testProgramID: {0x01}})
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: seeds})

	report := f.run(t, Encrypt, false)
	requireStates(t, report, StateFailed, StateTransformed)
	require.ErrorIs(t, report.Partitions[0].Err, ErrSeedMismatch)
	require.Equal(t, f.partition(f.plain, 0), f.partition(f.read(t), 0))
}

func TestResumeAfterPartialEncryption(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{})
	f.run(t, Encrypt, false)

	f.tool = NewThreeDSTool(Config{Fs: f.fs, Keys: testKeyMaterial(), Seeds: testSeeds(), Log: testLogger()})
	report := f.run(t, Encrypt, false)
	requireStates(t, report, StateTransformed, StateAlreadyTarget)
	require.True(t, report.Success())

	report = f.run(t, Decrypt, false)
	requireStates(t, report, StateTransformed, StateTransformed)
	require.Equal(t, f.plain, f.read(t))
}

func TestFixedKeyPartitions(t *testing.T) {
	for _, programID := range []uint64{testSystemTitle, testProgramID} {
		parts := []testPartition{{
			index:       PartitionExecutable,
			partitionID: programID,
			programID:   programID,
			version:     0,
			keyY:        testKeyY,
			encrypted:   Flags{7: FlagFixedKey},
			exheader:    true,
			exefs:       true,
			romfsSize:   0x200,
		}}
		f := newToolFixture(t, parts, Config{})

		report := f.run(t, Encrypt, false)
		requireStates(t, report, StateTransformed)

		actual := f.partition(f.read(t), 0)
		header, err := ParseNCCHHeader(actual[:ncchHeaderSize])
		require.NoError(t, err)
		require.True(t, header.Flags.FixedKey())

		key := NormalKey{}
		if programID == testSystemTitle {
			key = fixedSystemKey
		}
		romfs := f.layouts[0].romfs
		expected := append([]byte(nil), f.partition(f.plain, 0)[romfs.Offset:romfs.end()]...)
		TransformSection(expected, key, SectionCounter(header, SectionRomFS, romfs.Offset), 0)
		require.Equal(t, expected, actual[romfs.Offset:romfs.end()])

		report = f.run(t, Decrypt, false)
		requireStates(t, report, StateTransformed)
		require.Equal(t, f.plain, f.read(t))
	}
}

func TestVersion1Partition(t *testing.T) {
	parts := defaultTestPartitions()
	parts[0].version = 1
	parts[0].encrypted = Flags{3: byte(Crypto7x)}
	f := newToolFixture(t, parts, Config{})

	f.run(t, Encrypt, false)
	actual := f.partition(f.read(t), 0)
	header, err := ParseNCCHHeader(actual[:ncchHeaderSize])
	require.NoError(t, err)

	exheader := f.layouts[0].exheader
	keyY := uint128.FromBytesBE(testKeyY[:])
	base := newNormalKey(Scramble(testRetail.X0x2C, keyY, testConstant))
	expected := append([]byte(nil), f.partition(f.plain, 0)[exheader.Offset:exheader.end()]...)
	TransformSection(expected, base, SectionCounter(header, SectionExHeader, exheader.Offset), 0)
	require.Equal(t, expected, actual[exheader.Offset:exheader.end()])

	f.run(t, Decrypt, false)
	require.Equal(t, f.plain, f.read(t))
}

func TestInvalidImageIsLeftUntouched(t *testing.T) {
	fs := afero.NewMemMapFs()
	garbage := make([]byte, 0x4000)
	require.NoError(t, afero.WriteFile(fs, testImagePath, garbage, 0644))

	tool := NewThreeDSTool(Config{Fs: fs, Keys: testKeyMaterial(), Log: testLogger()})
	report, err := tool.ProcessFile(context.Background(), testImagePath, Decrypt, false)
	require.ErrorIs(t, err, ErrFormat)
	require.Nil(t, report)

	data, err := afero.ReadFile(fs, testImagePath)
	require.NoError(t, err)
	require.Equal(t, garbage, data)

	_, err = tool.ProcessFile(context.Background(), "/roms/missing.3ds", Decrypt, false)
	require.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.tool.ProcessFile(ctx, testImagePath, Encrypt, false)
	require.ErrorIs(t, err, context.Canceled)
	requireStates(t, report, StateParsed, StateParsed)
	require.Equal(t, f.plain, f.read(t))
}

func TestEncryptFixedKeyImageKeepsFixedKeyOnEveryPartition(t *testing.T) {
	parts := defaultTestPartitions()
	for i := range parts {
		parts[i].programID = testSystemTitle
	}
	parts[0].encrypted = Flags{7: FlagFixedKey}
	f := newToolFixture(t, parts, Config{})

	report := f.run(t, Encrypt, false)
	requireStates(t, report, StateTransformed, StateTransformed)

	encrypted := f.read(t)
	for i := range parts {
		actual := f.partition(encrypted, i)
		header, err := ParseNCCHHeader(actual[:ncchHeaderSize])
		require.NoError(t, err)
		require.True(t, header.Flags.FixedKey(), "partition %d", parts[i].index)
		require.Equal(t, CryptoOriginal, header.Flags.CryptoMethod())

		romfs := f.layouts[i].romfs
		expected := append([]byte(nil), f.partition(f.plain, i)[romfs.Offset:romfs.end()]...)
		TransformSection(expected, fixedSystemKey, SectionCounter(header, SectionRomFS, romfs.Offset), 0)
		require.Equal(t, expected, actual[romfs.Offset:romfs.end()], "partition %d", parts[i].index)
	}

	f.run(t, Decrypt, false)
	require.Equal(t, f.plain, f.read(t))
	f.run(t, Encrypt, false)
	require.Equal(t, encrypted, f.read(t))
}

func TestEncryptSeededImageDoesNotSeedOtherPartitions(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{Seeds: testSeeds()})
	f.run(t, Encrypt, false)

	header, err := ParseNCCHHeader(f.partition(f.read(t), 1)[:ncchHeaderSize])
	require.NoError(t, err)
	require.False(t, header.Flags.NewKeyY())
	require.False(t, header.Flags.FixedKey())
}

// syncLog records the writes and syncs of files opened through syncLogFs.
type syncLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *syncLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

type syncLogFs struct {
	afero.Fs
	log *syncLog
}

func (fs syncLogFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return syncLogFile{File: file, log: fs.log}, nil
}

type syncLogFile struct {
	afero.File
	log *syncLog
}

func (f syncLogFile) WriteAt(p []byte, off int64) (int, error) {
	f.log.add(fmt.Sprintf("write %#x", off))
	return f.File.WriteAt(p, off)
}

func (f syncLogFile) Sync() error {
	f.log.add("sync")
	return f.File.Sync()
}

func TestFlagsAreWrittenBetweenSyncs(t *testing.T) {
	f := newToolFixture(t, defaultTestPartitions(), Config{})
	ops := &syncLog{}
	f.tool = NewThreeDSTool(Config{
		Fs:    syncLogFs{Fs: f.fs, log: ops},
		Keys:  testKeyMaterial(),
		Seeds: testSeeds(),
		Log:   testLogger(),
	})

	f.run(t, Encrypt, false)

	for _, layout := range f.layouts {
		flagsWrite := fmt.Sprintf("write %#x", layout.offset+ncchFlagsOffset)
		i := 0
		for i < len(ops.ops) && ops.ops[i] != flagsWrite {
			i++
		}
		require.Less(t, i, len(ops.ops), "flags of partition at %#x not written", layout.offset)
		require.Greater(t, i, 0)
		require.Equal(t, "sync", ops.ops[i-1])
		require.Less(t, i+1, len(ops.ops))
		require.Equal(t, "sync", ops.ops[i+1])
	}
}
