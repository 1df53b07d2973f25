package usbmux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

const (
	headerSize       = 16
	protocolVersion  = 1
	messageTypePlist = 8

	// maxMessageSize bounds a single daemon message.
	maxMessageSize = 4 << 20

	libUSBMuxVersion = 3
)

// Message types.
const (
	MessageListDevices    = "ListDevices"
	MessageListen         = "Listen"
	MessageConnect        = "Connect"
	MessageReadPairRecord = "ReadPairRecord"
	MessageSavePairRecord = "SavePairRecord"
	MessageReadBUID       = "ReadBUID"
	MessageResult         = "Result"
	MessageAttached       = "Attached"
	MessageDetached       = "Detached"
	MessagePaired         = "Paired"
)

// Result codes.
const (
	ResultOK                = 0
	ResultBadCommand        = 1
	ResultBadDevice         = 2
	ResultConnectionRefused = 3
	ResultBadVersion        = 6
)

// Errors.
var (
	// ErrBadHeader indicates a malformed or unsupported message header.
	ErrBadHeader = fmt.Errorf("%w: bad usbmux header", fault.ErrTransport)

	// ErrPairRecordNotFound is returned when the daemon has no pair record
	// for a device.
	ErrPairRecordNotFound = fmt.Errorf("%w: pair record", fault.ErrNotFound)
)

// ResultError is a non-zero Result from the daemon.
type ResultError struct {
	Request string
	Number  int64
}

func (e *ResultError) Error() string {
	name := ""
	switch e.Number {
	case ResultBadCommand:
		name = " (bad command)"
	case ResultBadDevice:
		name = " (bad device)"
	case ResultConnectionRefused:
		name = " (connection refused)"
	case ResultBadVersion:
		name = " (bad version)"
	}
	return fmt.Sprintf("usbmux %s: result %d%s", e.Request, e.Number, name)
}

// Is reports whether target is fault.ErrTransport.
func (e *ResultError) Is(target error) bool {
	return target == fault.ErrTransport
}

type header struct {
	Length  uint32
	Version uint32
	Type    uint32
	Tag     uint32
}

func writeMessage(w io.Writer, tag uint32, msg plistutil.Dict) ([]byte, error) {
	payload, err := plistutil.Encode(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], protocolVersion)
	binary.LittleEndian.PutUint32(buf[8:12], messageTypePlist)
	binary.LittleEndian.PutUint32(buf[12:16], tag)
	copy(buf[headerSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	return payload, nil
}

func readMessage(r io.Reader) (header, []byte, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return header{}, nil, err
		}
		return header{}, nil, fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	h := header{
		Length:  binary.LittleEndian.Uint32(raw[0:4]),
		Version: binary.LittleEndian.Uint32(raw[4:8]),
		Type:    binary.LittleEndian.Uint32(raw[8:12]),
		Tag:     binary.LittleEndian.Uint32(raw[12:16]),
	}
	if h.Length < headerSize || h.Length-headerSize > maxMessageSize {
		return h, nil, fmt.Errorf("%w: length %d", ErrBadHeader, h.Length)
	}
	if h.Type != messageTypePlist {
		return h, nil, fmt.Errorf("%w: message type %d", ErrBadHeader, h.Type)
	}

	payload := make([]byte, h.Length-headerSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("%w: %v", fault.ErrTransport, err)
	}
	return h, payload, nil
}

// checkResult maps a Result message to an error.
func checkResult(request string, msg plistutil.Dict) error {
	if t, _ := plistutil.String(msg, "MessageType"); t != MessageResult {
		return nil
	}
	n, ok := plistutil.Int(msg, "Number")
	if !ok || n == ResultOK {
		return nil
	}
	return &ResultError{Request: request, Number: n}
}

// htons converts a port to network byte order as the daemon expects in
// Connect requests.
func htons(port uint16) uint16 {
	return port<<8 | port>>8
}
