package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Op is a single register write. Value is nil for tombstones.
type Op struct {
	Collection string `msgpack:"c"`
	Key        string `msgpack:"k"`
	Value      []byte `msgpack:"v"`
	Deleted    bool   `msgpack:"d"`
	Clock      uint64 `msgpack:"t"`
	Actor      string `msgpack:"a"`
}

// Update is the unit of replication and persistence: an ordered batch of ops.
type Update struct {
	Ops []Op `msgpack:"o"`
}

// EncodeUpdate serializes an update to its wire/storage form.
func EncodeUpdate(u Update) ([]byte, error) {
	b, err := msgpack.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return b, nil
}

// DecodeUpdate parses an encoded update.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := msgpack.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}
