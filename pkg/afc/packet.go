package afc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/plume-impactor/impactor/pkg/fault"
)

// Magic starts every packet.
const Magic = "CFA6LPAA"

const headerSize = 40

// maxPacketSize bounds a single packet read from the device.
const maxPacketSize = 64 << 20

// Operation codes.
type Operation uint64

const (
	OpStatus         Operation = 1
	OpData           Operation = 2
	OpReadDir        Operation = 3
	OpRemovePath     Operation = 8
	OpMakeDir        Operation = 9
	OpGetFileInfo    Operation = 10
	OpFileOpen       Operation = 13
	OpFileOpenResult Operation = 14
	OpFileRead       Operation = 15
	OpFileWrite      Operation = 16
	OpFileClose      Operation = 20
)

func (o Operation) String() string {
	switch o {
	case OpStatus:
		return "Status"
	case OpData:
		return "Data"
	case OpReadDir:
		return "ReadDir"
	case OpRemovePath:
		return "RemovePath"
	case OpMakeDir:
		return "MakeDir"
	case OpGetFileInfo:
		return "GetFileInfo"
	case OpFileOpen:
		return "FileOpen"
	case OpFileOpenResult:
		return "FileOpenResult"
	case OpFileRead:
		return "FileRead"
	case OpFileWrite:
		return "FileWrite"
	case OpFileClose:
		return "FileClose"
	default:
		return fmt.Sprintf("Op(%d)", uint64(o))
	}
}

// Packet errors.
var (
	ErrBadMagic       = fmt.Errorf("%w: bad AFC magic", fault.ErrTransport)
	ErrPacketTooLarge = fmt.Errorf("%w: AFC packet too large", fault.ErrTransport)
)

// packet is one AFC message. Header carries operation arguments, Payload
// carries bulk data.
type packet struct {
	Num     uint64
	Op      Operation
	Header  []byte
	Payload []byte
}

func (p *packet) encode() []byte {
	thisLen := headerSize + len(p.Header)
	buf := make([]byte, thisLen+len(p.Payload))
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(buf)))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(thisLen))
	binary.LittleEndian.PutUint64(buf[24:32], p.Num)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(p.Op))
	copy(buf[headerSize:], p.Header)
	copy(buf[thisLen:], p.Payload)
	return buf
}

func readPacket(r io.Reader) (*packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[0:8], []byte(Magic)) {
		return nil, ErrBadMagic
	}
	entire := binary.LittleEndian.Uint64(hdr[8:16])
	this := binary.LittleEndian.Uint64(hdr[16:24])
	if this < headerSize || entire < this {
		return nil, fmt.Errorf("%w: lengths %d/%d", ErrBadMagic, entire, this)
	}
	if entire > maxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, entire)
	}

	rest := make([]byte, entire-headerSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	split := this - headerSize
	return &packet{
		Num:     binary.LittleEndian.Uint64(hdr[24:32]),
		Op:      Operation(binary.LittleEndian.Uint64(hdr[32:40])),
		Header:  rest[:split],
		Payload: rest[split:],
	}, nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func cstring(s string) []byte {
	return append([]byte(s), 0)
}

// splitNul splits a NUL separated list, dropping the trailing empty entry.
func splitNul(data []byte) []string {
	var out []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, 0)
		if i < 0 {
			out = append(out, string(data))
			break
		}
		out = append(out, string(data[:i]))
		data = data[i+1:]
	}
	return out
}

var errShortHeader = errors.New("short AFC header")
