package housearrest

import (
	"context"
	"net"
	"testing"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveVend(t *testing.T, reply plistutil.Dict) (net.Conn, <-chan plistutil.Dict) {
	t.Helper()
	client, server := net.Pipe()
	got := make(chan plistutil.Dict, 1)
	go func() {
		pc := transport.NewPlistConn(server)
		req, err := pc.Receive()
		if err != nil {
			return
		}
		got <- req
		_ = pc.Send(reply)
	}()
	t.Cleanup(func() { server.Close() })
	return client, got
}

func TestVendDocuments(t *testing.T) {
	conn, got := serveVend(t, plistutil.Dict{"Status": "Complete"})

	c, err := VendDocuments(context.Background(), conn, "com.example.app", Config{})
	require.NoError(t, err)
	defer c.Close()

	req := <-got
	assert.Equal(t, CommandVendDocuments, req["Command"])
	assert.Equal(t, "com.example.app", req["Identifier"])
}

func TestVendContainerLookupFailed(t *testing.T) {
	conn, got := serveVend(t, plistutil.Dict{"Error": "ApplicationLookupFailed"})

	_, err := VendContainer(context.Background(), conn, "com.example.missing", Config{})
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "ApplicationLookupFailed", herr.Code)
	assert.ErrorIs(t, err, fault.ErrTransport)
	assert.Equal(t, CommandVendContainer, (<-got)["Command"])
}
