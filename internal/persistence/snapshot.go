// Package persistence implements binary snapshot save/load: a flat,
// type-tagged encoding of every live key in a store, written to disk
// atomically and restored on startup.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/cachekitdb/cachekit/internal/value"
)

const (
	magic   = "CACHEKIT"
	version = uint32(1)

	typeString = 0x01
	typeInt    = 0x02
	typeList   = 0x03
	typeHash   = 0x04
	typeEOF    = 0xFF

	// maxStringLen guards against a corrupt or hostile length prefix
	// forcing an enormous allocation on load.
	maxStringLen = 64 * 1024 * 1024
)

// Store is the subset of store.Store persistence needs: enough to both
// walk the live keyspace (Save) and repopulate it (Load).
type Store interface {
	Entries(fn func(key string, e *value.Entry))
	Set(key, val string)
	SetInt(key string, val int64)
	RPush(key, val string) int
	HSet(key, field, val string) int
	SetExpireAt(key string, at int64) bool
}

// ErrBadMagic is returned by Load when the file doesn't start with the
// expected header.
var ErrBadMagic = errors.New("persistence: not a cachekit snapshot")

// ErrUnsupportedVersion is returned by Load when the file's version
// field doesn't match this package's version constant.
var ErrUnsupportedVersion = errors.New("persistence: unsupported snapshot version")

// Save writes every non-expired key in s to filename, via a temp file
// plus atomic rename so a reader never observes a partial snapshot.
func Save(s Store, filename string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	writeU32(&buf, version)
	writeU64(&buf, uint64(time.Now().Unix()))

	count := 0
	s.Entries(func(key string, e *value.Entry) {
		if e.ExpireAt != 0 && e.ExpireAt <= time.Now().UnixMilli() {
			return
		}
		writeEntry(&buf, key, e)
		count++
	})

	buf.WriteByte(typeEOF)

	if err := atomic.WriteFile(filename, bytes.NewReader(buf.Bytes())); err != nil {
		log.Error("failed to write snapshot", zap.String("file", filename), zap.Error(err))
		return fmt.Errorf("persistence: save %s: %w", filename, err)
	}

	log.Info("saved snapshot", zap.String("file", filename), zap.Int("keys", count))
	return nil
}

func writeEntry(buf *bytes.Buffer, key string, e *value.Entry) {
	switch e.Kind {
	case value.String:
		buf.WriteByte(typeString)
		writeStr(buf, key)
		writeStr(buf, e.Str)
	case value.Integer:
		buf.WriteByte(typeInt)
		writeStr(buf, key)
		writeI64(buf, e.Int)
	case value.Sequence:
		buf.WriteByte(typeList)
		writeStr(buf, key)
		writeU32(buf, uint32(e.Seq.Len()))
		for _, v := range e.Seq.Range(0, -1) {
			writeStr(buf, v)
		}
	case value.SubMap:
		buf.WriteByte(typeHash)
		writeStr(buf, key)
		writeU32(buf, uint32(e.Map.Len()))
		e.Map.Each(func(field, val string) {
			writeStr(buf, field)
			writeStr(buf, val)
		})
	}
	writeI64(buf, e.ExpireAt)
}

// Load reads filename into s. A missing file is reported via the
// returned error wrapping os.ErrNotExist; callers that treat "no
// snapshot yet" as a non-fatal startup condition should check for that
// with errors.Is.
func Load(s Store, filename string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr) != magic {
		return ErrBadMagic
	}

	ver, err := readU32(r)
	if err != nil {
		return ErrBadMagic
	}
	if ver != version {
		return ErrUnsupportedVersion
	}
	if _, err := readU64(r); err != nil { // timestamp, informational only
		return ErrBadMagic
	}

	loaded := 0
	for {
		typ, err := r.ReadByte()
		if err != nil || typ == typeEOF {
			break
		}

		key, err := readStr(r)
		if err != nil {
			break
		}

		if err := loadEntry(s, r, typ, key); err != nil {
			log.Warn("stopping snapshot load early", zap.Error(err))
			break
		}
		loaded++
	}

	log.Info("loaded snapshot", zap.String("file", filename), zap.Int("keys", loaded))
	return nil
}

func loadEntry(s Store, r *bufio.Reader, typ byte, key string) error {
	switch typ {
	case typeString:
		val, err := readStr(r)
		if err != nil {
			return err
		}
		expireAt, err := readI64(r)
		if err != nil {
			return err
		}
		s.Set(key, val)
		applyExpireAt(s, key, expireAt)

	case typeInt:
		val, err := readI64(r)
		if err != nil {
			return err
		}
		expireAt, err := readI64(r)
		if err != nil {
			return err
		}
		s.SetInt(key, val)
		applyExpireAt(s, key, expireAt)

	case typeList:
		n, err := readU32(r)
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			val, err := readStr(r)
			if err != nil {
				return err
			}
			s.RPush(key, val)
		}
		expireAt, err := readI64(r)
		if err != nil {
			return err
		}
		applyExpireAt(s, key, expireAt)

	case typeHash:
		n, err := readU32(r)
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			field, err := readStr(r)
			if err != nil {
				return err
			}
			val, err := readStr(r)
			if err != nil {
				return err
			}
			s.HSet(key, field, val)
		}
		expireAt, err := readI64(r)
		if err != nil {
			return err
		}
		applyExpireAt(s, key, expireAt)

	default:
		return fmt.Errorf("persistence: unknown type marker 0x%02x", typ)
	}
	return nil
}

func applyExpireAt(s Store, key string, expireAt int64) {
	if expireAt > 0 {
		s.SetExpireAt(key, expireAt)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	writeU64(buf, uint64(v))
}

func writeStr(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU32(r *bufio.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readU64(r *bufio.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readI64(r *bufio.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readStr(r *bufio.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("persistence: string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
