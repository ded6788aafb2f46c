package cagg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// A snapshot captures every materialized cell of every view, plus each
// view's materialization watermark, in one deterministic blob. Writing
// the same state twice produces byte-identical payloads, so backends can
// deduplicate. The payload is optionally snappy-compressed and
// AES-GCM-encrypted.
//
// Layout (big-endian):
//
//	magic "CASN" | version | flags | [salt if encrypted] | payload
//
// where the decoded payload is:
//
//	u32 view count
//	per view: u16 name len | name | u8 flags | i64 watermark |
//	          u32 cell count
//	per cell: i64 bucket start | u16 key len | key | partial (80 bytes)

// SnapshotBackend stores snapshot blobs by key.
type SnapshotBackend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

var snapshotMagic = [4]byte{'C', 'A', 'S', 'N'}

const (
	snapshotVersion = 1

	snapFlagCompressed = 1 << 0
	snapFlagEncrypted  = 1 << 1

	viewFlagHasWatermark = 1 << 0
)

// fullRange spans every representable bucket start.
var fullRange = Window{Low: minInt64, High: 1<<63 - 1}

func writeSnapshot(ctx context.Context, e *Engine, cfg SnapshotConfig, key string) error {
	var body []byte

	defs := e.ListViews()
	body = binary.BigEndian.AppendUint32(body, uint32(len(defs)))
	for _, def := range defs {
		cells, err := e.store.ReadPartials(ctx, def.Name, fullRange, nil)
		if err != nil {
			return &StoreError{Op: "snapshot", View: def.Name, Cause: err}
		}
		sortCells(cells)

		body = appendString16(body, def.Name)

		var viewFlags byte
		var watermark int64
		if vs, err := e.viewState(def.Name); err == nil {
			if w, ok := vs.log.Watermark(); ok {
				viewFlags |= viewFlagHasWatermark
				watermark = w
			}
		}
		body = append(body, viewFlags)
		body = binary.BigEndian.AppendUint64(body, uint64(watermark))

		body = binary.BigEndian.AppendUint32(body, uint32(len(cells)))
		for _, c := range cells {
			body = binary.BigEndian.AppendUint64(body, uint64(c.Bucket.Start))
			body = appendString16(body, c.Bucket.GroupKey)
			body = append(body, c.Partial.Encode()...)
		}
	}

	var flags byte
	if cfg.Compress {
		flags |= snapFlagCompressed
		body = snappy.Encode(nil, body)
	}

	var salt []byte
	if cfg.Encryption != nil && cfg.Encryption.Enabled {
		enc, err := NewEncryptor(*cfg.Encryption)
		if err != nil {
			return err
		}
		flags |= snapFlagEncrypted
		salt = make([]byte, EncryptionSaltSize)
		copy(salt, enc.Salt())
		body, err = enc.Encrypt(body)
		if err != nil {
			return err
		}
	}

	out := make([]byte, 0, len(body)+len(salt)+6)
	out = append(out, snapshotMagic[:]...)
	out = append(out, snapshotVersion, flags)
	out = append(out, salt...)
	out = append(out, body...)

	return cfg.Backend.Write(ctx, key, out)
}

func readSnapshot(ctx context.Context, e *Engine, cfg SnapshotConfig, key string) error {
	data, err := cfg.Backend.Read(ctx, key)
	if err != nil {
		return err
	}
	if len(data) < 6 || [4]byte(data[:4]) != snapshotMagic {
		return ErrSnapshotCorrupt
	}
	if data[4] != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", data[4])
	}
	flags := data[5]
	body := data[6:]

	if flags&snapFlagEncrypted != 0 {
		if cfg.Encryption == nil || !cfg.Encryption.Enabled {
			return errors.New("snapshot is encrypted but no encryption config provided")
		}
		if len(body) < EncryptionSaltSize {
			return ErrSnapshotCorrupt
		}
		salt := body[:EncryptionSaltSize]
		body = body[EncryptionSaltSize:]

		var enc *Encryptor
		if len(cfg.Encryption.Key) > 0 {
			enc, err = NewEncryptorWithKey(cfg.Encryption.Key)
		} else {
			enc, err = NewEncryptorWithSalt(cfg.Encryption.KeyPassword, salt)
		}
		if err != nil {
			return err
		}
		body, err = enc.Decrypt(body)
		if err != nil {
			return fmt.Errorf("failed to decrypt snapshot: %w", err)
		}
	}

	if flags&snapFlagCompressed != 0 {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
	}

	return e.applySnapshot(ctx, body)
}

// applySnapshot decodes a snapshot body and upserts its cells. Views
// the snapshot names but the engine does not know are skipped.
func (e *Engine) applySnapshot(ctx context.Context, body []byte) error {
	r := snapReader{buf: body}

	viewCount := r.uint32()
	for i := uint32(0); i < viewCount && r.err == nil; i++ {
		name := r.string16()
		viewFlags := r.byte()
		watermark := int64(r.uint64())
		cellCount := r.uint32()

		vs, verr := e.viewState(name)
		known := verr == nil

		for j := uint32(0); j < cellCount && r.err == nil; j++ {
			start := int64(r.uint64())
			groupKey := r.string16()
			raw := r.bytes(partialEncodedSize)
			if r.err != nil {
				break
			}
			partial, err := DecodePartialState(raw)
			if err != nil {
				return err
			}
			if !known {
				continue
			}
			bucket := BucketID{GroupKey: groupKey, Start: start}
			if err := e.store.Upsert(ctx, name, bucket, partial); err != nil {
				return &StoreError{Op: "restore", View: name, Cause: err}
			}
		}
		if known && viewFlags&viewFlagHasWatermark != 0 {
			vs.log.MarkRefreshed(Window{Low: minInt64, High: watermark})
		}
	}
	if r.err != nil {
		return ErrSnapshotCorrupt
	}
	return nil
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// snapReader carries the decode error so call sites stay flat.
type snapReader struct {
	buf []byte
	err error
}

func (r *snapReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrSnapshotCorrupt
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *snapReader) byte() byte {
	b := r.bytes(1)
	if r.err != nil {
		return 0
	}
	return b[0]
}

func (r *snapReader) uint16() uint16 {
	b := r.bytes(2)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *snapReader) uint32() uint32 {
	b := r.bytes(4)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *snapReader) uint64() uint64 {
	b := r.bytes(8)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *snapReader) string16() string {
	n := r.uint16()
	b := r.bytes(int(n))
	if r.err != nil {
		return ""
	}
	return string(b)
}
