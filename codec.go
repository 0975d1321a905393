package kdns

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// headerSize is the fixed 12-byte DNS message header (spec.md §4.1).
const headerSize = 12

// maxLabelLength is the RFC 1035 limit on a single label.
const maxLabelLength = 63

// ParseMessage decodes a raw DNS packet into a DnsMessage (spec.md §4.1).
//
// On truncation or malformed input it returns a ParseError. When at least
// the 2-byte ID field could be read, the partial message (with Header.ID
// set) is still returned alongside the error so a caller can build an
// error reply carrying the original query id (spec.md §7): "clients always
// receive a well-formed DNS reply with the same id as the query, unless the
// query itself is so malformed that no id can be recovered". If fewer than
// 2 bytes were received, the returned message is nil and the caller must
// drop the packet silently.
func ParseMessage(data []byte) (*DnsMessage, error) {
	msg := &DnsMessage{Kind: Query}
	if len(data) < 2 {
		return nil, &ParseError{Reason: "fewer than 2 bytes received"}
	}
	msg.Header.ID = binary.BigEndian.Uint16(data[0:2])
	if len(data) < headerSize {
		return msg, &ParseError{Reason: "truncated header"}
	}
	decodeHeaderFlags(data, &msg.Header)
	if msg.Header.QR {
		msg.Kind = Reply
	}

	offset := headerSize
	for i := 0; i < int(msg.Header.QDCount); i++ {
		q, next, err := decodeQuestion(data, offset)
		if err != nil {
			return msg, err
		}
		msg.Questions = append(msg.Questions, q)
		offset = next
	}

	for i := 0; i < int(msg.Header.ANCount); i++ {
		rr, next, err := decodeResourceRecord(data, offset)
		if err != nil {
			return msg, err
		}
		msg.Answers = append(msg.Answers, rr)
		offset = next
	}

	return msg, nil
}

// SerializeMessage encodes a DnsMessage to its wire form (spec.md §4.1):
// header, the first question only (if any), then answers — but only when
// Kind is Reply. Names are always emitted uncompressed (spec.md §9: the
// source parses compressed names but never emits them).
func SerializeMessage(msg *DnsMessage) ([]byte, error) {
	var buf bytes.Buffer

	qdcount := 0
	if len(msg.Questions) > 0 {
		qdcount = 1
	}

	var answers []ResourceRecord
	if msg.Kind == Reply {
		answers = msg.Answers
	}
	if len(answers) > 0xFFFF {
		return nil, &ParseError{Reason: "too many answer records to encode"}
	}

	hdr := msg.Header
	hdr.QDCount = uint16(qdcount)
	hdr.ANCount = uint16(len(answers))
	hdr.NSCount = 0
	hdr.ARCount = 0

	if err := writeHeader(&buf, hdr); err != nil {
		return nil, err
	}
	if qdcount == 1 {
		if err := writeQuestion(&buf, msg.Questions[0]); err != nil {
			return nil, err
		}
	}
	for _, rr := range answers {
		if err := writeResourceRecord(&buf, rr); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeHeaderFlags(data []byte, hdr *DnsHeader) {
	hdr.QDCount = binary.BigEndian.Uint16(data[4:6])
	hdr.ANCount = binary.BigEndian.Uint16(data[6:8])
	hdr.NSCount = binary.BigEndian.Uint16(data[8:10])
	hdr.ARCount = binary.BigEndian.Uint16(data[10:12])

	flags := binary.BigEndian.Uint16(data[2:4])
	hdr.QR = flags&0x8000 != 0
	hdr.Opcode = uint8((flags >> 11) & 0x0F)
	hdr.AA = flags&0x0400 != 0
	hdr.TC = flags&0x0200 != 0
	hdr.RD = flags&0x0100 != 0
	hdr.RA = flags&0x0080 != 0
	hdr.Z = uint8((flags >> 4) & 0x07)
	hdr.RCode = uint8(flags & 0x0F)
}

func writeHeader(buf *bytes.Buffer, hdr DnsHeader) error {
	var flags uint16
	if hdr.QR {
		flags |= 0x8000
	}
	flags |= uint16(hdr.Opcode&0x0F) << 11
	if hdr.AA {
		flags |= 0x0400
	}
	if hdr.TC {
		flags |= 0x0200
	}
	if hdr.RD {
		flags |= 0x0100
	}
	if hdr.RA {
		flags |= 0x0080
	}
	flags |= uint16(hdr.Z&0x07) << 4
	flags |= uint16(hdr.RCode & 0x0F)

	_ = binary.Write(buf, binary.BigEndian, hdr.ID)
	_ = binary.Write(buf, binary.BigEndian, flags)
	_ = binary.Write(buf, binary.BigEndian, hdr.QDCount)
	_ = binary.Write(buf, binary.BigEndian, hdr.ANCount)
	_ = binary.Write(buf, binary.BigEndian, hdr.NSCount)
	_ = binary.Write(buf, binary.BigEndian, hdr.ARCount)
	return nil
}

func decodeQuestion(data []byte, offset int) (Question, int, error) {
	name, offset, err := decodeName(data, offset)
	if err != nil {
		return Question{}, 0, err
	}
	if offset+4 > len(data) {
		return Question{}, 0, &ParseError{Reason: "truncated question"}
	}
	q := Question{
		Name:  name,
		Type:  binary.BigEndian.Uint16(data[offset : offset+2]),
		Class: binary.BigEndian.Uint16(data[offset+2 : offset+4]),
	}
	return q, offset + 4, nil
}

func writeQuestion(buf *bytes.Buffer, q Question) error {
	name, err := encodeName(q.Name)
	if err != nil {
		return err
	}
	buf.Write(name)
	_ = binary.Write(buf, binary.BigEndian, q.Type)
	_ = binary.Write(buf, binary.BigEndian, q.Class)
	return nil
}

func decodeResourceRecord(data []byte, offset int) (ResourceRecord, int, error) {
	name, offset, err := decodeName(data, offset)
	if err != nil {
		return ResourceRecord{}, 0, err
	}
	if offset+10 > len(data) {
		return ResourceRecord{}, 0, &ParseError{Reason: "truncated resource record"}
	}
	rr := ResourceRecord{
		Name:  name,
		Type:  binary.BigEndian.Uint16(data[offset : offset+2]),
		Class: binary.BigEndian.Uint16(data[offset+2 : offset+4]),
		TTL:   binary.BigEndian.Uint32(data[offset+4 : offset+8]),
	}
	offset += 8
	rdLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+rdLen > len(data) {
		return ResourceRecord{}, 0, &ParseError{Reason: "truncated rdata"}
	}
	rr.RData = make([]byte, rdLen)
	copy(rr.RData, data[offset:offset+rdLen])
	offset += rdLen
	return rr, offset, nil
}

func writeResourceRecord(buf *bytes.Buffer, rr ResourceRecord) error {
	name, err := encodeName(rr.Name)
	if err != nil {
		return err
	}
	buf.Write(name)
	_ = binary.Write(buf, binary.BigEndian, rr.Type)
	_ = binary.Write(buf, binary.BigEndian, rr.Class)
	_ = binary.Write(buf, binary.BigEndian, rr.TTL)
	if len(rr.RData) > 0xFFFF {
		return &ParseError{Reason: "rdata too large to encode"}
	}
	_ = binary.Write(buf, binary.BigEndian, uint16(len(rr.RData)))
	buf.Write(rr.RData)
	return nil
}

// decodeName decodes a possibly-compressed domain name starting at offset,
// returning the dotted name and the offset of the byte immediately after
// the name's first occurrence in the stream (i.e. after a pointer, not
// after whatever the pointer target's own terminator is).
//
// Loop detection follows spec.md §4.1: every pointer followed must target
// an offset strictly less than any offset visited so far. Since that's a
// strictly decreasing sequence of non-negative integers, it is guaranteed
// to terminate; any chain that doesn't make backward progress is rejected
// as a PointerLoopError.
func decodeName(data []byte, start int) (string, int, error) {
	var labels []string
	offset := start
	returnOffset := -1
	minPtr := start

	for {
		if offset >= len(data) {
			return "", 0, &ParseError{Reason: "name extends past end of message"}
		}
		b := data[offset]
		switch {
		case b == 0:
			offset++
			if returnOffset == -1 {
				returnOffset = offset
			}
			if len(labels) == 0 {
				return "", returnOffset, nil
			}
			return strings.Join(labels, ".") + ".", returnOffset, nil

		case b&0xC0 == 0xC0: // compression pointer
			if offset+1 >= len(data) {
				return "", 0, &ParseError{Reason: "truncated compression pointer"}
			}
			ptr := int(binary.BigEndian.Uint16(data[offset:offset+2]) & 0x3FFF)
			if returnOffset == -1 {
				returnOffset = offset + 2
			}
			if ptr >= minPtr {
				return "", 0, &PointerLoopError{}
			}
			minPtr = ptr
			offset = ptr

		case b&0xC0 == 0x40, b&0xC0 == 0x80:
			// Reserved label-length encodings (RFC 1035 §4.1.4 extended
			// types never standardized for plain DNS). spec.md §4.1 calls
			// out the 0x40 pattern explicitly; 0x80 is rejected too since
			// neither is a valid length or pointer prefix.
			return "", 0, &ParseError{Reason: "reserved label length encoding"}

		default: // ordinary label, length in the low 6 bits
			length := int(b)
			offset++
			if offset+length > len(data) {
				return "", 0, &ParseError{Reason: "label extends past end of message"}
			}
			labels = append(labels, string(data[offset:offset+length]))
			offset += length
		}
	}
}

// encodeName writes name as a sequence of length-prefixed labels terminated
// by a zero byte. Always uncompressed (spec.md §9).
func encodeName(name string) ([]byte, error) {
	var buf bytes.Buffer
	name = strings.TrimSuffix(name, ".")
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			if len(label) > maxLabelLength {
				return nil, &ParseError{Reason: "label exceeds 63 bytes"}
			}
			buf.WriteByte(byte(len(label)))
			buf.WriteString(label)
		}
	}
	buf.WriteByte(0)
	return buf.Bytes(), nil
}
