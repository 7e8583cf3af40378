// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package netif describes the slots of the netif transmit and receive rings.
package netif

import (
	"github.com/siderolabs/talos-xenguest/pkg/ring"
)

// Slot sizes: a slot holds either a request or a response.
const (
	TxSlotSize = 12
	RxSlotSize = 8
)

// Response statuses. Non-negative rx statuses are the received length.
const (
	StatusNull    int16 = 1
	StatusOK      int16 = 0
	StatusError   int16 = -1
	StatusDropped int16 = -2
)

// Request and response flags.
const (
	FlagCsumBlank     uint16 = 1 << 0
	FlagDataValidated uint16 = 1 << 1
	FlagMoreData      uint16 = 1 << 2
	FlagExtraInfo     uint16 = 1 << 3
)

// TxRequest is struct netif_tx_request.
//
//	offset  0: grant_ref_t gref
//	offset  4: uint16 offset
//	offset  6: uint16 flags
//	offset  8: uint16 id
//	offset 10: uint16 size
type TxRequest struct {
	Gref   uint32
	Offset uint16
	Flags  uint16
	ID     uint16
	Size   uint16
}

// Put stores the request in s.
func (r TxRequest) Put(s ring.Slot) {
	s.PutUint32(0, r.Gref)
	s.PutUint16(4, r.Offset)
	s.PutUint16(6, r.Flags)
	s.PutUint16(8, r.ID)
	s.PutUint16(10, r.Size)
}

// ReadTxRequest loads a request from s.
func ReadTxRequest(s ring.Slot) TxRequest {
	return TxRequest{
		Gref:   s.Uint32(0),
		Offset: s.Uint16(4),
		Flags:  s.Uint16(6),
		ID:     s.Uint16(8),
		Size:   s.Uint16(10),
	}
}

// TxResponse is struct netif_tx_response.
type TxResponse struct {
	ID     uint16
	Status int16
}

// Put stores the response in s.
func (r TxResponse) Put(s ring.Slot) {
	s.PutUint16(0, r.ID)
	s.PutInt16(2, r.Status)
}

// ReadTxResponse loads a response from s.
func ReadTxResponse(s ring.Slot) TxResponse {
	return TxResponse{ID: s.Uint16(0), Status: s.Int16(2)}
}

// RxRequest is struct netif_rx_request.
//
//	offset 0: uint16 id
//	offset 4: grant_ref_t gref
type RxRequest struct {
	ID   uint16
	Gref uint32
}

// Put stores the request in s.
func (r RxRequest) Put(s ring.Slot) {
	s.PutUint16(0, r.ID)
	s.PutUint16(2, 0)
	s.PutUint32(4, r.Gref)
}

// ReadRxRequest loads a request from s.
func ReadRxRequest(s ring.Slot) RxRequest {
	return RxRequest{ID: s.Uint16(0), Gref: s.Uint32(4)}
}

// RxResponse is struct netif_rx_response.
type RxResponse struct {
	ID     uint16
	Offset uint16
	Flags  uint16
	Status int16
}

// Put stores the response in s.
func (r RxResponse) Put(s ring.Slot) {
	s.PutUint16(0, r.ID)
	s.PutUint16(2, r.Offset)
	s.PutUint16(4, r.Flags)
	s.PutInt16(6, r.Status)
}

// ReadRxResponse loads a response from s.
func ReadRxResponse(s ring.Slot) RxResponse {
	return RxResponse{ID: s.Uint16(0), Offset: s.Uint16(2), Flags: s.Uint16(4), Status: s.Int16(6)}
}
