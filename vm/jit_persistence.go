package vm

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// The JIT cache file lets a second run of the same program start with its
// hot regions already compiled. Layout: magic, version, flags, program
// checksum, then a gzip-compressed CBOR payload.

var jitCacheMagic = [4]byte{'K', 'J', 'I', 'T'}

const jitCacheVersion uint32 = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// jitCacheEntry is the persisted form of one CompiledCode region.
type jitCacheEntry struct {
	Start     int             `cbor:"1,keyasint"`
	End       int             `cbor:"2,keyasint"`
	Level     int             `cbor:"3,keyasint"`
	Optimized []int32         `cbor:"4,keyasint"`
	PCMap     map[int32]int32 `cbor:"5,keyasint"`
}

type jitCachePayload struct {
	Entries []jitCacheEntry `cbor:"1,keyasint"`
}

// ProgramChecksum identifies a bytecode stream for cache validation.
func ProgramChecksum(code []int32) uint32 {
	h := crc32.NewIEEE()
	var word [4]byte
	for _, w := range code {
		binary.LittleEndian.PutUint32(word[:], uint32(w))
		h.Write(word[:])
	}
	return h.Sum32()
}

// SaveCache writes all compiled regions to path, keyed by the checksum of
// the program they were compiled from.
func (j *JITCompiler) SaveCache(path string, code []int32) error {
	payload := jitCachePayload{}
	for _, cc := range j.compiled {
		payload.Entries = append(payload.Entries, jitCacheEntry{
			Start:     cc.OriginalStart,
			End:       cc.OriginalEnd,
			Level:     int(cc.Level),
			Optimized: cc.Optimized,
			PCMap:     cc.PCMap,
		})
	}

	raw, err := cborEncMode.Marshal(&payload)
	if err != nil {
		return fmt.Errorf("vm: marshal jit cache: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(jitCacheMagic[:])

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], jitCacheVersion)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], 0) // flags, reserved
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], ProgramChecksum(code))
	buf.Write(u32[:])

	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("vm: compress jit cache: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("vm: compress jit cache: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("vm: write jit cache: %w", err)
	}
	jitLog.Infof("saved %d compiled regions to %s", len(payload.Entries), path)
	return nil
}

// LoadCache restores compiled regions from path. A cache written for a
// different program (checksum mismatch) is ignored, not an error. Returns
// the number of regions loaded.
func (j *JITCompiler) LoadCache(path string, code []int32) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("vm: read jit cache: %w", err)
	}
	if len(data) < 16 {
		return 0, errors.New("vm: jit cache truncated")
	}
	if !bytes.Equal(data[0:4], jitCacheMagic[:]) {
		return 0, errors.New("vm: not a jit cache file")
	}
	version := binary.LittleEndian.Uint32(data[4:])
	if version != jitCacheVersion {
		return 0, fmt.Errorf("vm: unsupported jit cache version %d", version)
	}
	checksum := binary.LittleEndian.Uint32(data[12:])
	if checksum != ProgramChecksum(code) {
		jitLog.Info("ignoring jit cache for different program")
		return 0, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(data[16:]))
	if err != nil {
		return 0, fmt.Errorf("vm: decompress jit cache: %w", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return 0, fmt.Errorf("vm: decompress jit cache: %w", err)
	}

	var payload jitCachePayload
	if err := cbor.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("vm: unmarshal jit cache: %w", err)
	}

	loaded := 0
	for _, e := range payload.Entries {
		if e.Start < 0 || e.End > len(code) || e.Start >= e.End {
			continue
		}
		j.compiled[e.Start] = &CompiledCode{
			Optimized:     e.Optimized,
			OriginalStart: e.Start,
			OriginalEnd:   e.End,
			Level:         OptLevel(e.Level),
			PCMap:         e.PCMap,
		}
		j.Profile(e.Start).IsCompiled = true
		loaded++
	}
	jitLog.Infof("loaded %d compiled regions from %s", loaded, path)
	return loaded, nil
}
