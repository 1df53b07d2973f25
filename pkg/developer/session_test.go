package developer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServices is an in-process developer services endpoint. Handlers are
// keyed by action path ("ios/listDevices.action").
type fakeServices struct {
	t *testing.T

	mu       sync.Mutex
	calls    map[string]int
	requests []plistutil.Dict
	headers  []http.Header
	handlers map[string]func(req plistutil.Dict) plistutil.Dict
	srv      *httptest.Server
}

func newFakeServices(t *testing.T) *fakeServices {
	t.Helper()
	f := &fakeServices{
		t:        t,
		calls:    make(map[string]int),
		handlers: make(map[string]func(plistutil.Dict) plistutil.Dict),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServices) on(path string, h func(req plistutil.Dict) plistutil.Dict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeServices) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeServices) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/"+ProtocolVersion+"/")
	data, _ := io.ReadAll(r.Body)
	req, err := plistutil.DecodeDict(data)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[path]++
	f.requests = append(f.requests, req)
	f.headers = append(f.headers, r.Header.Clone())
	h := f.handlers[path]
	f.mu.Unlock()

	if h == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	out, err := plistutil.Encode(h(req))
	if err != nil {
		f.t.Errorf("encode response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/x-xml-plist")
	_, _ = w.Write(out)
}

func (f *fakeServices) session(t *testing.T) *Session {
	t.Helper()
	s, err := WithToken("ADSID-1", "xcode-token", anisette.Static{
		anisette.HeaderMD:       "otp",
		anisette.HeaderMDM:      "machine",
		anisette.HeaderDeviceID: "DEVICE-ID",
	}, Config{BaseURL: f.srv.URL})
	require.NoError(t, err)
	return s
}

func TestSessionSignsRequests(t *testing.T) {
	f := newFakeServices(t)
	f.on("listTeams.action", func(plistutil.Dict) plistutil.Dict {
		return plistutil.Dict{
			"resultCode": 0,
			"teams": []any{
				plistutil.Dict{"name": "Ada Lovelace", "teamId": "TEAM123", "type": "Individual", "status": "active"},
			},
		}
	})

	resp, err := f.session(t).ListTeams(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Teams, 1)
	assert.Equal(t, "TEAM123", resp.Teams[0].TeamID)

	req := f.requests[0]
	assert.Equal(t, ClientID, req["clientId"])
	assert.Equal(t, ProtocolVersion, req["protocolVersion"])
	assert.NotEmpty(t, req["requestId"])

	h := f.headers[0]
	assert.Equal(t, "ADSID-1", h.Get("X-Apple-I-Identity-Id"))
	assert.Equal(t, "xcode-token", h.Get("X-Apple-GS-Token"))
	assert.Equal(t, "com.apple.gs.xcode.auth", h.Get("X-Apple-App-Info"))
	assert.Equal(t, DefaultXcodeVersion, h.Get("X-Xcode-Version"))
	assert.Equal(t, "otp", h.Get(anisette.HeaderMD))
	assert.Equal(t, "DEVICE-ID", h.Get(anisette.HeaderDeviceID))
}

func TestDecodeEnvelope(t *testing.T) {
	encode := func(d plistutil.Dict) []byte {
		data, err := plistutil.Encode(d)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name    string
		in      plistutil.Dict
		code    int64
		message string
	}{
		{name: "ok", in: plistutil.Dict{"resultCode": 0, "teams": []any{}}},
		{name: "result code", in: plistutil.Dict{"resultCode": 7460, "userString": "Session expired"}, code: 7460, message: "Session expired"},
		{name: "result string fallback", in: plistutil.Dict{"resultCode": 35, "resultString": "Invalid team"}, code: 35, message: "Invalid team"},
		{name: "status dict", in: plistutil.Dict{"Status": plistutil.Dict{"ec": -1, "em": "nope"}}, code: -1, message: "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeEnvelope(encode(tt.in))
			if tt.code == 0 {
				require.NoError(t, err)
				assert.NotNil(t, resp)
				return
			}
			var remote *fault.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tt.code, remote.Code)
			assert.Equal(t, tt.message, remote.Message)
		})
	}

	t.Run("garbage", func(t *testing.T) {
		_, err := decodeEnvelope([]byte("{ unterminated"))
		assert.ErrorIs(t, err, fault.ErrParse)
	})
}

func TestRemoteErrorIgnoresHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := plistutil.Encode(plistutil.Dict{"resultCode": 1100, "resultString": "Your session has expired."})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	s, err := WithToken("a", "t", anisette.Static{}, Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = s.ListTeams(context.Background())
	assert.ErrorIs(t, err, fault.ErrRemote)
	assert.True(t, fault.NeedsReauth(err))
}

func TestWithTokenValidation(t *testing.T) {
	_, err := WithToken("", "t", anisette.Static{}, Config{})
	assert.Error(t, err)
	_, err = WithToken("a", "t", nil, Config{})
	assert.Error(t, err)
	_, err = With(nil, Config{})
	assert.Error(t, err)
}

func TestValidateAccount(t *testing.T) {
	f := newFakeServices(t)
	f.on("viewDeveloper.action", func(req plistutil.Dict) plistutil.Dict {
		return plistutil.Dict{
			"resultCode": 0,
			"developer":  plistutil.Dict{"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com"},
		}
	})

	first, last, err := f.session(t).ValidateAccount(context.Background(), "TEAM123")
	require.NoError(t, err)
	assert.Equal(t, "Ada", first)
	assert.Equal(t, "Lovelace", last)
	assert.Equal(t, "TEAM123", f.requests[0]["teamId"])
}
