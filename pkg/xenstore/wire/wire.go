// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package wire encodes and decodes xenstore messages (struct xsd_sockmsg).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// Type is the message type.
type Type uint32

// Message types.
const (
	TypeDebug Type = iota
	TypeDirectory
	TypeRead
	TypeGetPerms
	TypeWatch
	TypeUnwatch
	TypeTransactionStart
	TypeTransactionEnd
	TypeIntroduce
	TypeRelease
	TypeGetDomainPath
	TypeWrite
	TypeMkdir
	TypeRm
	TypeSetPerms
	TypeWatchEvent
	TypeError
	TypeIsDomainIntroduced
	TypeResume
	TypeSetTarget
)

var typeNames = map[Type]string{
	TypeDebug:              "DEBUG",
	TypeDirectory:          "DIRECTORY",
	TypeRead:               "READ",
	TypeGetPerms:           "GET_PERMS",
	TypeWatch:              "WATCH",
	TypeUnwatch:            "UNWATCH",
	TypeTransactionStart:   "TRANSACTION_START",
	TypeTransactionEnd:     "TRANSACTION_END",
	TypeIntroduce:          "INTRODUCE",
	TypeRelease:            "RELEASE",
	TypeGetDomainPath:      "GET_DOMAIN_PATH",
	TypeWrite:              "WRITE",
	TypeMkdir:              "MKDIR",
	TypeRm:                 "RM",
	TypeSetPerms:           "SET_PERMS",
	TypeWatchEvent:         "WATCH_EVENT",
	TypeError:              "ERROR",
	TypeIsDomainIntroduced: "IS_DOMAIN_INTRODUCED",
	TypeResume:             "RESUME",
	TypeSetTarget:          "SET_TARGET",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}

	return "XS_" + strconv.FormatUint(uint64(t), 10)
}

const (
	// HeaderSize is the size of the fixed message header.
	HeaderSize = 16
	// PayloadMax is the largest payload either side may send.
	PayloadMax = 4096
)

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are parsed.
	ErrShortHeader = errors.New("short xenstore header")
	// ErrPayloadTooLarge is returned for payloads over PayloadMax.
	ErrPayloadTooLarge = errors.New("xenstore payload too large")
)

// Header is the message header.
//
//	offset  0: uint32 type
//	offset  4: uint32 req_id
//	offset  8: uint32 tx_id
//	offset 12: uint32 len
type Header struct {
	Type  Type
	ReqID uint32
	TxID  uint32
	Len   uint32
}

// ParseHeader decodes a header and validates the payload length.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}

	h := Header{
		Type:  Type(binary.LittleEndian.Uint32(b[0:])),
		ReqID: binary.LittleEndian.Uint32(b[4:]),
		TxID:  binary.LittleEndian.Uint32(b[8:]),
		Len:   binary.LittleEndian.Uint32(b[12:]),
	}

	if h.Len > PayloadMax {
		return Header{}, fmt.Errorf("%w: %d bytes in %s", ErrPayloadTooLarge, h.Len, h.Type)
	}

	return h, nil
}

// Message is a header with its payload.
type Message struct {
	Header

	Payload []byte
}

// New builds a message whose payload is args, each terminated by NUL.
func New(t Type, reqID, txID uint32, args ...string) Message {
	return Message{
		Header:  Header{Type: t, ReqID: reqID, TxID: txID},
		Payload: Join(args...),
	}
}

// MarshalBinary encodes header and payload, setting Len from the payload.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > PayloadMax {
		return nil, fmt.Errorf("%w: %d bytes in %s", ErrPayloadTooLarge, len(m.Payload), m.Type)
	}

	b := make([]byte, HeaderSize, HeaderSize+len(m.Payload))

	binary.LittleEndian.PutUint32(b[0:], uint32(m.Type))
	binary.LittleEndian.PutUint32(b[4:], m.ReqID)
	binary.LittleEndian.PutUint32(b[8:], m.TxID)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(m.Payload)))

	return append(b, m.Payload...), nil
}

// Join terminates every argument with NUL and concatenates them.
func Join(args ...string) []byte {
	var b []byte

	for _, a := range args {
		b = append(b, a...)
		b = append(b, 0)
	}

	return b
}

// Split returns the NUL-terminated strings of a payload. An unterminated
// tail is returned as the last element.
func Split(payload []byte) []string {
	var out []string

	for len(payload) > 0 {
		i := bytes.IndexByte(payload, 0)
		if i < 0 {
			out = append(out, string(payload))

			break
		}

		out = append(out, string(payload[:i]))
		payload = payload[i+1:]
	}

	return out
}

// Trim drops one trailing NUL.
func Trim(payload []byte) string {
	return string(bytes.TrimSuffix(payload, []byte{0}))
}
