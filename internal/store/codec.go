package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"provisiond/internal/item"
)

// Record format version written into every envelope.
const currentVersion = 1

// Format selects the record encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat accepts "" as JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack:
		return FormatMsgpack, nil
	}
	return "", fmt.Errorf("unknown record format %q", s)
}

// envelope is the versioned on-disk record.
type envelope struct {
	Version int        `json:"version" msgpack:"version"`
	Item    *item.Item `json:"item" msgpack:"item"`
}

// zstd coders are concurrent-safe and shared.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("zstd: init encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// Codec encodes items into backend records.
type Codec struct {
	Format   Format
	Compress bool
}

// Ext returns the file extension for records in this codec.
func (c Codec) Ext() string {
	ext := ".json"
	if c.Format == FormatMsgpack {
		ext = ".msgpack"
	}
	if c.Compress {
		ext += ".zst"
	}
	return ext
}

// Encode wraps it in a versioned envelope.
func (c Codec) Encode(it *item.Item) ([]byte, error) {
	env := envelope{Version: currentVersion, Item: it}
	var (
		data []byte
		err  error
	)
	switch c.Format {
	case FormatMsgpack:
		data, err = msgpack.Marshal(&env)
	default:
		data, err = json.MarshalIndent(&env, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", it.Kind, it.Name, err)
	}
	if c.Compress {
		data = zstdEnc.EncodeAll(data, nil)
	}
	return data, nil
}

// Decode unwraps a record and checks that it holds the expected item. Any
// failure wraps ErrCorrupt.
func (c Codec) Decode(data []byte, kind item.Kind, name string) (*item.Item, error) {
	if c.Compress {
		raw, err := zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: decompress: %w", ErrCorrupt, kind, name, err)
		}
		data = raw
	}
	var env envelope
	var err error
	switch c.Format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(data, &env)
	default:
		err = json.Unmarshal(data, &env)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", ErrCorrupt, kind, name, err)
	}
	if env.Version == 0 || env.Version > currentVersion {
		return nil, fmt.Errorf("%w: %s %q: unsupported record version %d", ErrCorrupt, kind, name, env.Version)
	}
	if env.Item == nil {
		return nil, fmt.Errorf("%w: %s %q: empty record", ErrCorrupt, kind, name)
	}
	if env.Item.Kind != kind || env.Item.Name != name {
		return nil, fmt.Errorf("%w: record for %s %q holds %s %q", ErrCorrupt, kind, name, env.Item.Kind, env.Item.Name)
	}
	return env.Item, nil
}
