// Package codec serializes the ordered pending-operation queue for durable
// storage. Codecs must be round-trip stable: encoding a decoded payload
// yields the original bytes.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/models"
)

// Codec converts the queue to and from bytes.
type Codec interface {
	Name() string
	Encode(ops []models.PendingOperation) ([]byte, error)
	Decode(data []byte) ([]models.PendingOperation, error)
}

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON:
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	}
	return nil, apperrors.New(apperrors.ErrConfig, fmt.Sprintf("unknown queue codec %q", name))
}

// JSON encodes the queue as a JSON array. Numbers inside operation data are
// decoded as json.Number so they re-encode verbatim.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(ops []models.PendingOperation) ([]byte, error) {
	if ops == nil {
		ops = []models.PendingOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodec, "encode queue as json", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) ([]models.PendingOperation, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var ops []models.PendingOperation
	if err := dec.Decode(&ops); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodec, "decode queue from json", err)
	}
	if dec.More() {
		return nil, apperrors.New(apperrors.ErrCodec, "trailing data after queue json")
	}
	return ops, nil
}

// Msgpack encodes the queue with MessagePack. Map keys are sorted and
// integers use their smallest encoding, which is also how decoded integers
// re-encode, so output is deterministic across restores.
type Msgpack struct{}

func (Msgpack) Name() string { return NameMsgpack }

func (Msgpack) Encode(ops []models.PendingOperation) ([]byte, error) {
	if ops == nil {
		ops = []models.PendingOperation{}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(ops); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodec, "encode queue as msgpack", err)
	}
	return buf.Bytes(), nil
}

func (Msgpack) Decode(data []byte) ([]models.PendingOperation, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var ops []models.PendingOperation
	if err := msgpack.Unmarshal(data, &ops); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodec, "decode queue from msgpack", err)
	}
	return ops, nil
}
