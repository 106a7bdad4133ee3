package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// RDB format constants
const (
	rdbMagic = "REDIS"

	// Version written into snapshots produced by this package
	rdbWriteVersion = 11

	// Highest version the parser accepts (Redis 7.x dumps)
	rdbMaxVersion = 12

	rdbOpcodeEOF      = 0xFF
	rdbOpcodeDB       = 0xFE
	rdbOpcodeExpiry   = 0xFD
	rdbOpcodeExpiryMs = 0xFC
	rdbOpcodeResizeDB = 0xFB
	rdbOpcodeAux      = 0xFA

	rdbTypeString = 0
	rdbTypeList   = 1
	rdbTypeSet    = 2
	rdbTypeHash   = 4
)

// RDBHandler processes RDB entries during parsing
type RDBHandler interface {
	// OnDatabase is called when the dump switches to a new database
	OnDatabase(index int) error

	// OnKey is called for each key-value pair. The value is []byte for
	// strings and map[string][]byte for hashes.
	OnKey(key []byte, value interface{}, expiry *time.Time) error

	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnEnd is called when parsing is complete
	OnEnd() error
}

// RDBParser parses an RDB stream, feeding entries to a handler
type RDBParser struct {
	br *bufio.Reader
	h  RDBHandler
}

// NewRDBParser creates a parser over the given stream
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br: bufio.NewReader(r),
		h:  handler,
	}
}

// Parse consumes the stream until the EOF opcode
func (p *RDBParser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(header[:5]) != rdbMagic {
		return fmt.Errorf("invalid RDB magic: %q", header[:5])
	}
	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid RDB version: %q", header[5:])
	}
	if version > rdbMaxVersion {
		return fmt.Errorf("unsupported RDB version: %d (max %d)", version, rdbMaxVersion)
	}

	var expiry *time.Time

	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("read opcode: %w", err)
		}

		switch opcode {
		case rdbOpcodeEOF:
			// Checksum trailer (8 bytes, zero when disabled) may follow;
			// read it if present but tolerate a bare EOF opcode.
			trailer := make([]byte, 8)
			if _, err := io.ReadFull(p.br, trailer); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
				return fmt.Errorf("read checksum: %w", err)
			}
			return p.h.OnEnd()

		case rdbOpcodeDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("read database index: %w", err)
			}
			if err := p.h.OnDatabase(int(db)); err != nil {
				return err
			}

		case rdbOpcodeExpiry:
			var ts uint32
			if err := binary.Read(p.br, binary.LittleEndian, &ts); err != nil {
				return fmt.Errorf("read expiry: %w", err)
			}
			t := time.Unix(int64(ts), 0)
			expiry = &t

		case rdbOpcodeExpiryMs:
			var ts uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ts); err != nil {
				return fmt.Errorf("read ms expiry: %w", err)
			}
			t := time.UnixMilli(int64(ts))
			expiry = &t

		case rdbOpcodeResizeDB:
			// Hash table size hints, not needed
			if _, err := p.readLength(); err != nil {
				return err
			}
			if _, err := p.readLength(); err != nil {
				return err
			}

		case rdbOpcodeAux:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("read aux key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("read aux value for %q: %w", key, err)
			}
			if err := p.h.OnAux(key, value); err != nil {
				return err
			}

		default:
			if err := p.readKeyValue(opcode, expiry); err != nil {
				return err
			}
			expiry = nil
		}
	}
}

func (p *RDBParser) readKeyValue(valueType byte, expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	value, err := p.readValue(valueType)
	if err != nil {
		return fmt.Errorf("read value for %q: %w", key, err)
	}
	if value == nil {
		// Skipped type
		return nil
	}

	return p.h.OnKey(key, value, expiry)
}

func (p *RDBParser) readValue(valueType byte) (interface{}, error) {
	switch valueType {
	case rdbTypeString:
		return p.readString()

	case rdbTypeHash:
		length, err := p.readLength()
		if err != nil {
			return nil, err
		}
		hash := make(map[string][]byte, length)
		for i := uint64(0); i < length; i++ {
			field, err := p.readString()
			if err != nil {
				return nil, err
			}
			value, err := p.readString()
			if err != nil {
				return nil, err
			}
			hash[string(field)] = value
		}
		return hash, nil

	case rdbTypeList, rdbTypeSet:
		// Element sequences of string-encoded members; consumed and
		// dropped since the keyspace does not hold these types.
		length, err := p.readLength()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < length; i++ {
			if _, err := p.readString(); err != nil {
				return nil, err
			}
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported RDB value type: %d", valueType)
	}
}

// readLength reads a length-encoded integer
func (p *RDBParser) readLength() (uint64, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, err
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		return uint64(b & 0x3F), nil

	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), nil

	case 2:
		var length uint32
		if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
			return 0, err
		}
		return uint64(length), nil

	default:
		return 0, fmt.Errorf("special encoding %d in length context", b&0x3F)
	}
}

// readString reads a string-encoded value, resolving integer and LZF
// special encodings to their string form
func (p *RDBParser) readString() ([]byte, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return nil, err
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		return p.readStringData(uint64(b & 0x3F))

	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return p.readStringData(uint64(b&0x3F)<<8 | uint64(b2))

	case 2:
		var length uint32
		if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		return p.readStringData(uint64(length))

	default:
		switch b & 0x3F {
		case 0:
			// 8-bit integer
			val, err := p.br.ReadByte()
			if err != nil {
				return nil, err
			}
			return strconv.AppendInt(nil, int64(int8(val)), 10), nil
		case 1:
			// 16-bit integer
			var val int16
			if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
				return nil, err
			}
			return strconv.AppendInt(nil, int64(val), 10), nil
		case 2:
			// 32-bit integer
			var val int32
			if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
				return nil, err
			}
			return strconv.AppendInt(nil, int64(val), 10), nil
		case 3:
			return p.readCompressedString()
		default:
			return nil, fmt.Errorf("unknown string encoding: %d", b&0x3F)
		}
	}
}

// readCompressedString reads an LZF-compressed string
func (p *RDBParser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("read compressed length: %w", err)
	}
	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("read uncompressed length: %w", err)
	}

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(p.br, compressed); err != nil {
		return nil, fmt.Errorf("read compressed data: %w", err)
	}

	return lzfDecompress(compressed, int(uncompressedLen))
}

func (p *RDBParser) readStringData(length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("read string data: %w", err)
	}
	return data, nil
}

// ParseRDB is a convenience function to parse an RDB stream
func ParseRDB(r io.Reader, handler RDBHandler) error {
	parser := NewRDBParser(r, handler)
	return parser.Parse()
}

// storageLoader implements RDBHandler by writing entries into storage
type storageLoader struct {
	store storage.Storage
}

func (l *storageLoader) OnDatabase(index int) error { return nil }

func (l *storageLoader) OnKey(key []byte, value interface{}, expiry *time.Time) error {
	switch v := value.(type) {
	case []byte:
		return l.store.Set(string(key), v, expiry)
	case map[string][]byte:
		return l.store.SetValue(string(key), &storage.Value{
			Type:   storage.ValueTypeHash,
			Data:   &storage.HashValue{Fields: v},
			Expiry: expiry,
		})
	default:
		return nil
	}
}

func (l *storageLoader) OnAux(key, value []byte) error { return nil }
func (l *storageLoader) OnEnd() error                  { return nil }

// LoadSnapshot parses an RDB stream and places its keys into storage
func LoadSnapshot(r io.Reader, store storage.Storage) error {
	return ParseRDB(r, &storageLoader{store: store})
}

// WriteSnapshot serializes the keyspace as an RDB dump. String and hash
// keys are written with their expiry; stream keys are omitted since their
// entries travel only in the command stream. The checksum field is zero,
// meaning checksums are disabled.
func WriteSnapshot(w io.Writer, store storage.Storage) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "%s%04d", rdbMagic, rdbWriteVersion); err != nil {
		return err
	}
	if err := bw.WriteByte(rdbOpcodeDB); err != nil {
		return err
	}
	if err := writeLength(bw, 0); err != nil {
		return err
	}

	err := store.ForEach(func(key string, value *storage.Value) error {
		switch value.Type {
		case storage.ValueTypeString:
			sv, ok := value.Data.(*storage.StringValue)
			if !ok {
				return nil
			}
			if err := writeExpiry(bw, value.Expiry); err != nil {
				return err
			}
			if err := bw.WriteByte(rdbTypeString); err != nil {
				return err
			}
			if err := writeString(bw, []byte(key)); err != nil {
				return err
			}
			return writeString(bw, sv.Data)

		case storage.ValueTypeHash:
			hv, ok := value.Data.(*storage.HashValue)
			if !ok {
				return nil
			}
			if err := writeExpiry(bw, value.Expiry); err != nil {
				return err
			}
			if err := bw.WriteByte(rdbTypeHash); err != nil {
				return err
			}
			if err := writeString(bw, []byte(key)); err != nil {
				return err
			}
			if err := writeLength(bw, uint64(len(hv.Fields))); err != nil {
				return err
			}
			for field, fv := range hv.Fields {
				if err := writeString(bw, []byte(field)); err != nil {
					return err
				}
				if err := writeString(bw, fv); err != nil {
					return err
				}
			}
			return nil

		default:
			return nil
		}
	})
	if err != nil {
		return err
	}

	if err := bw.WriteByte(rdbOpcodeEOF); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(0)); err != nil {
		return err
	}
	return bw.Flush()
}

func writeExpiry(bw *bufio.Writer, expiry *time.Time) error {
	if expiry == nil {
		return nil
	}
	if err := bw.WriteByte(rdbOpcodeExpiryMs); err != nil {
		return err
	}
	return binary.Write(bw, binary.LittleEndian, uint64(expiry.UnixMilli()))
}

func writeLength(bw *bufio.Writer, n uint64) error {
	switch {
	case n < 1<<6:
		return bw.WriteByte(byte(n))
	case n < 1<<14:
		if err := bw.WriteByte(byte(n>>8) | 0x40); err != nil {
			return err
		}
		return bw.WriteByte(byte(n))
	default:
		if err := bw.WriteByte(0x80); err != nil {
			return err
		}
		return binary.Write(bw, binary.BigEndian, uint32(n))
	}
}

func writeString(bw *bufio.Writer, data []byte) error {
	if err := writeLength(bw, uint64(len(data))); err != nil {
		return err
	}
	_, err := bw.Write(data)
	return err
}
