// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ltx

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/kirk/errors"
)

// MsgType is the first element of every LTX message.
type MsgType uint64

// Message types.
const (
	MsgVersion MsgType = 0x00
	MsgPing    MsgType = 0x01
	MsgPong    MsgType = 0x02
	MsgGetFile MsgType = 0x03
	MsgSetFile MsgType = 0x04
	MsgEnv     MsgType = 0x05
	MsgCwd     MsgType = 0x06
	MsgExec    MsgType = 0x07
	MsgResult  MsgType = 0x08
	MsgLog     MsgType = 0x09
	MsgData    MsgType = 0xa0
	MsgKill    MsgType = 0xa1
	MsgError   MsgType = 0xff
)

func (t MsgType) String() string {
	switch t {
	case MsgVersion:
		return "VERSION"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgGetFile:
		return "GET_FILE"
	case MsgSetFile:
		return "SET_FILE"
	case MsgEnv:
		return "ENV"
	case MsgCwd:
		return "CWD"
	case MsgExec:
		return "EXEC"
	case MsgResult:
		return "RESULT"
	case MsgLog:
		return "LOG"
	case MsgData:
		return "DATA"
	case MsgKill:
		return "KILL"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("0x%02x", uint64(t))
	}
}

const (
	// MaxSlots is the number of execution slots of an agent.
	MaxSlots = 127
	// AllSlots addresses every slot in ENV and CWD messages.
	AllSlots = 128
	// MaxEnvs is the number of environment variables a slot can hold.
	MaxEnvs = 16
)

// si_code values of RESULT messages, see waitid(2).
const (
	cldExited = 1
	cldKilled = 2
	cldDumped = 3
)

// Message is a decoded LTX message. Args holds the elements following the
// type: int64/uint64 for integers, string for str and []byte for bin.
type Message struct {
	Type MsgType
	Args []interface{}
}

func (m *Message) String() string {
	return fmt.Sprintf("%v%v", m.Type, m.Args)
}

// Uint returns argument i as an unsigned integer.
func (m *Message) Uint(i int) (uint64, error) {
	if i >= len(m.Args) {
		return 0, errors.Errorf("%v: missing argument %d", m.Type, i)
	}
	switch v := m.Args[i].(type) {
	case uint64:
		return v, nil
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	}
	return 0, errors.Errorf("%v: argument %d is not an unsigned integer: %v", m.Type, i, m.Args[i])
}

// Str returns argument i as a string. bin values are accepted too.
func (m *Message) Str(i int) (string, error) {
	if i >= len(m.Args) {
		return "", errors.Errorf("%v: missing argument %d", m.Type, i)
	}
	switch v := m.Args[i].(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", errors.Errorf("%v: argument %d is not a string: %v", m.Type, i, m.Args[i])
}

// Bytes returns argument i as a byte slice. str values are accepted too.
func (m *Message) Bytes(i int) ([]byte, error) {
	if i >= len(m.Args) {
		return nil, errors.Errorf("%v: missing argument %d", m.Type, i)
	}
	switch v := m.Args[i].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, errors.Errorf("%v: argument %d is not binary: %v", m.Type, i, m.Args[i])
}

// Encode appends the MessagePack encoding of a message to buf. Integers
// take their smallest representation, matching the reference agent.
func Encode(buf *bytes.Buffer, t MsgType, args ...interface{}) error {
	enc := msgpack.NewEncoder(buf)
	if err := enc.EncodeArrayLen(1 + len(args)); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(t)); err != nil {
		return err
	}
	for _, a := range args {
		var err error
		switch v := a.(type) {
		case int:
			err = enc.EncodeInt(int64(v))
		case int64:
			err = enc.EncodeInt(v)
		case uint64:
			err = enc.EncodeUint(v)
		case string:
			err = enc.EncodeString(v)
		case []byte:
			err = enc.EncodeBytes(v)
		default:
			err = errors.Errorf("unsupported argument type %T", a)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Decode reads the next message from dec.
func Decode(dec *msgpack.Decoder) (*Message, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, errors.Errorf("message must be a non-empty array, got length %d", n)
	}
	t, err := dec.DecodeUint64()
	if err != nil {
		return nil, errors.Wrap(err, "bad message type")
	}
	m := &Message{Type: MsgType(t)}
	for i := 1; i < n; i++ {
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, errors.Wrapf(err, "bad %v message", m.Type)
		}
		m.Args = append(m.Args, v)
	}
	return m, nil
}
