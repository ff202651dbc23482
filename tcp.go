package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/mike76-dev/smbrpc/rpc"
)

// readPDU reads one PDU from the connection. PDUs are delimited by the
// frag_len field of their common header.
func readPDU(conn net.Conn) ([]byte, error) {
	hdr := make([]byte, rpc.HeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}

	length := int(binary.LittleEndian.Uint16(hdr[8:10]))
	if length < rpc.HeaderSize {
		return nil, fmt.Errorf("%w: frag_len %d", rpc.ErrMalformedHeader, length)
	}

	pdu := make([]byte, length)
	copy(pdu, hdr)
	if _, err := io.ReadFull(conn, pdu[rpc.HeaderSize:]); err != nil {
		return nil, fmt.Errorf("error reading PDU: %w", err)
	}

	return pdu, nil
}

// writePDU writes one PDU to the connection.
func writePDU(conn net.Conn, pdu []byte) error {
	n, err := conn.Write(pdu)
	if err != nil {
		return fmt.Errorf("error writing PDU: %w", err)
	}
	if n < len(pdu) {
		return fmt.Errorf("supposed to write %d bytes but got %d", len(pdu), n)
	}
	return nil
}
