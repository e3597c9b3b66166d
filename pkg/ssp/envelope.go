package ssp

import (
	"crypto/rand"
	"encoding/binary"
)

// encodeSubpacket builds the encrypted sub-packet {len, count, data...,
// packing..., crc16} described in spec §3. The packing length is chosen so
// the whole sub-packet (including its trailing CRC) lands on an 8-byte
// boundary, and its bytes are random so repeated small commands don't
// produce identical ciphertext tails.
func encodeSubpacket(count uint32, data []byte) ([]byte, error) {
	body := make([]byte, 0, 5+len(data)+8)
	body = append(body, byte(len(data)))
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], count)
	body = append(body, cnt[:]...)
	body = append(body, data...)

	pad := (8 - (len(body)+2)%8) % 8
	if pad > 0 {
		packing := make([]byte, pad)
		if _, err := rand.Read(packing); err != nil {
			return nil, err
		}
		body = append(body, packing...)
	}

	crc := crc16(body)
	body = append(body, byte(crc), byte(crc>>8))
	return body, nil
}

// decodeSubpacket parses and verifies an encrypted sub-packet, returning its
// counter and data.
func decodeSubpacket(body []byte) (count uint32, data []byte, err error) {
	if len(body) < 7 {
		return 0, nil, ErrShortRead
	}
	core := body[:len(body)-2]
	gotCRC := uint16(body[len(body)-2]) | uint16(body[len(body)-1])<<8
	if crc16(core) != gotCRC {
		return 0, nil, ErrCRCMismatch
	}

	length := int(core[0])
	if len(core) < 5+length {
		return 0, nil, ErrShortRead
	}
	count = binary.LittleEndian.Uint32(core[1:5])
	data = append([]byte(nil), core[5:5+length]...)
	return count, data, nil
}
