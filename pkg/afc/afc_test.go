package afc

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFS is an in-memory AFC peer.
type memFS struct {
	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	handles map[uint64]string
	next    uint64
	writes  int
}

func newMemFS() *memFS {
	return &memFS{
		files:   make(map[string][]byte),
		dirs:    map[string]bool{"/": true},
		handles: make(map[uint64]string),
		next:    1,
	}
}

func (m *memFS) serve(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := readPacket(conn)
		if err != nil {
			return
		}
		resp := m.handle(req)
		resp.Num = req.Num
		if _, err := conn.Write(resp.encode()); err != nil {
			return
		}
	}
}

func status(code uint64) *packet {
	return &packet{Op: OpStatus, Header: u64(code)}
}

func path(h []byte) string {
	return strings.TrimRight(string(h), "\x00")
}

func (m *memFS) handle(req *packet) *packet {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch req.Op {
	case OpMakeDir:
		m.dirs[path(req.Header)] = true
		return status(StatusSuccess)
	case OpReadDir:
		dir := path(req.Header)
		if !m.dirs[dir] {
			return status(StatusObjectNotFound)
		}
		var names bytes.Buffer
		names.WriteString(".\x00..\x00")
		for p := range m.files {
			if strings.HasPrefix(p, dir+"/") {
				names.WriteString(strings.TrimPrefix(p, dir+"/") + "\x00")
			}
		}
		return &packet{Op: OpData, Payload: names.Bytes()}
	case OpRemovePath:
		p := path(req.Header)
		if _, ok := m.files[p]; !ok {
			return status(StatusObjectNotFound)
		}
		delete(m.files, p)
		return status(StatusSuccess)
	case OpGetFileInfo:
		p := path(req.Header)
		data, ok := m.files[p]
		if !ok {
			return status(StatusObjectNotFound)
		}
		info := "st_size\x00" + itoa(len(data)) + "\x00st_ifmt\x00S_IFREG\x00"
		return &packet{Op: OpData, Payload: []byte(info)}
	case OpFileOpen:
		mode := Mode(binary.LittleEndian.Uint64(req.Header[:8]))
		p := path(req.Header[8:])
		if mode == ModeWr {
			m.files[p] = nil
		} else if _, ok := m.files[p]; !ok {
			return status(StatusObjectNotFound)
		}
		h := m.next
		m.next++
		m.handles[h] = p
		return &packet{Op: OpFileOpenResult, Header: u64(h)}
	case OpFileWrite:
		p := m.handles[binary.LittleEndian.Uint64(req.Header)]
		m.files[p] = append(m.files[p], req.Payload...)
		m.writes++
		return status(StatusSuccess)
	case OpFileRead:
		p := m.handles[binary.LittleEndian.Uint64(req.Header[:8])]
		n := binary.LittleEndian.Uint64(req.Header[8:16])
		data := m.files[p]
		if uint64(len(data)) > n {
			data = data[:n]
		}
		return &packet{Op: OpData, Payload: data}
	case OpFileClose:
		delete(m.handles, binary.LittleEndian.Uint64(req.Header))
		return status(StatusSuccess)
	}
	return status(StatusUnknownError)
}

func itoa(n int) string {
	var b [20]byte
	i := len(b)
	if n == 0 {
		return "0"
	}
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func newTestClient(t *testing.T) (*Client, *memFS) {
	t.Helper()
	fs := newMemFS()
	client, server := net.Pipe()
	go fs.serve(server)
	c := NewClient(client, Config{})
	t.Cleanup(func() { c.Close() })
	return c, fs
}

func TestPacketEncoding(t *testing.T) {
	p := &packet{Num: 7, Op: OpFileWrite, Header: u64(3), Payload: []byte("abc")}
	data := p.encode()
	assert.Equal(t, Magic, string(data[:8]))
	assert.Equal(t, uint64(headerSize+8+3), binary.LittleEndian.Uint64(data[8:16]))
	assert.Equal(t, uint64(headerSize+8), binary.LittleEndian.Uint64(data[16:24]))

	got, err := readPacket(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, p.Num, got.Num)
	assert.Equal(t, p.Op, got.Op)
	assert.Equal(t, p.Header, got.Header)
	assert.Equal(t, p.Payload, got.Payload)

	data[0] = 'X'
	_, err = readPacket(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestWriteFileAndList(t *testing.T) {
	c, fs := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.MakeDir(ctx, "/PublicStaging"))

	big := bytes.Repeat([]byte{0xAB}, ChunkSize*2+10)
	require.NoError(t, c.WriteFile(ctx, "/PublicStaging/app.ipa", big))
	assert.Equal(t, big, fs.files["/PublicStaging/app.ipa"])
	assert.Equal(t, 3, fs.writes, "payload must be chunked")

	names, err := c.ReadDir(ctx, "/PublicStaging")
	require.NoError(t, err)
	assert.Equal(t, []string{"app.ipa"}, names)

	info, err := c.Stat(ctx, "/PublicStaging/app.ipa")
	require.NoError(t, err)
	assert.Equal(t, itoa(len(big)), info["st_size"])

	f, err := c.Open(ctx, "/PublicStaging/app.ipa", ModeRdOnly)
	require.NoError(t, err)
	head, err := f.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, head)
	require.NoError(t, f.Close(ctx))

	require.NoError(t, c.Remove(ctx, "/PublicStaging/app.ipa"))
	assert.Empty(t, fs.files)
}

func TestStatusErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	err := c.Remove(ctx, "/missing")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, uint64(StatusObjectNotFound), serr.Code)
	assert.Equal(t, "/missing", serr.Path)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.ErrorIs(t, err, fault.ErrTransport)

	// The session survives a failed operation.
	require.NoError(t, c.MakeDir(ctx, "/ok"))

	_, err = c.Open(ctx, "/missing", ModeRdOnly)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestSplitNul(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitNul([]byte("a\x00b\x00")))
	assert.Equal(t, []string{"a", "b"}, splitNul([]byte("a\x00b")))
	assert.Nil(t, splitNul(nil))
}
