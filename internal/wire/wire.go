// Package wire implements the fixed-layout little-endian message format
// used on the IPC channel between the client stub and the storage
// daemon: a 16-bit tag followed by a fixed payload of four integers and
// a fixed-width name field.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FilenameMax bounds the name field carried in every message, mirroring
// FILENAME_MAX from the external interface contract.
const FilenameMax = 256

// Tag identifies the kind of message on the wire.
type Tag uint16

const (
	TagError Tag = iota + 1
	TagAck
	TagOpen
	TagClose
	TagRegion
	TagSeek
	TagInform
)

func (t Tag) String() string {
	switch t {
	case TagError:
		return "ERROR"
	case TagAck:
		return "ACK"
	case TagOpen:
		return "OPEN"
	case TagClose:
		return "CLOSE"
	case TagRegion:
		return "REGION"
	case TagSeek:
		return "SEEK"
	case TagInform:
		return "INFORM"
	default:
		return fmt.Sprintf("TAG(%d)", uint16(t))
	}
}

// Mode is the OPEN-time access mode requested by a client.
type Mode int32

const (
	ModeReader Mode = iota
	ModeReaderNoBlock
	ModeWriter
)

// SeekDirection is the arg field of a SEEK request.
type SeekDirection int32

const (
	SeekNextSegment SeekDirection = iota
	SeekPrevSegment
)

// payloadSize is the encoded size, in bytes, of the fixed message
// payload: id(4) + arg(4) + offset(8) + size(8) + name(FilenameMax).
const payloadSize = 4 + 4 + 8 + 8 + FilenameMax

// headerSize is the 2-byte tag plus the fixed payload.
const headerSize = 2 + payloadSize

// Message is the single fixed-layout shape carried by every request and
// reply; fields unused by a given tag are left zero.
type Message struct {
	Tag    Tag
	ID     int32
	Arg    int32
	Offset int64
	Size   int64
	Name   string
}

// Encode writes m to w in the fixed little-endian wire layout.
func (m Message) Encode(w io.Writer) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Tag))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(m.ID))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(m.Arg))
	binary.LittleEndian.PutUint64(buf[10:18], uint64(m.Offset))
	binary.LittleEndian.PutUint64(buf[18:26], uint64(m.Size))

	nameBytes := []byte(m.Name)
	if len(nameBytes) >= FilenameMax {
		return fmt.Errorf("wire: name %q exceeds FilenameMax %d", m.Name, FilenameMax)
	}
	copy(buf[26:26+FilenameMax], nameBytes)

	_, err := w.Write(buf[:])
	return err
}

// Decode reads one fixed-layout message from r.
func Decode(r io.Reader) (Message, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Message{}, err
	}

	m := Message{
		Tag:    Tag(binary.LittleEndian.Uint16(buf[0:2])),
		ID:     int32(binary.LittleEndian.Uint32(buf[2:6])),
		Arg:    int32(binary.LittleEndian.Uint32(buf[6:10])),
		Offset: int64(binary.LittleEndian.Uint64(buf[10:18])),
		Size:   int64(binary.LittleEndian.Uint64(buf[18:26])),
	}
	nameRaw := buf[26 : 26+FilenameMax]
	if nul := bytes.IndexByte(nameRaw, 0); nul >= 0 {
		m.Name = string(nameRaw[:nul])
	} else {
		m.Name = string(nameRaw)
	}
	return m, nil
}

// EncodedLen is the fixed on-wire size of every message, header included.
func EncodedLen() int { return headerSize }
