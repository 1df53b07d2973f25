package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/plume-impactor/impactor/pkg/anisette"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/srp"
)

const (
	testEmail      = "dev@example.com"
	testPassword   = "correct horse"
	testADSID      = "000123-04-abcdef"
	testIdmsToken  = "idms-token"
	testCode       = "123456"
	testIterations = 1000
)

var testSessionKey = bytes.Repeat([]byte{0x42}, 32)

// fakeGSA is an in-process GrandSlam endpoint backed by srp.Server.
type fakeGSA struct {
	t *testing.T

	salt     []byte
	verifier []byte
	protocol string

	initError     int64
	completeError int64
	twoFactor     string
	omitEmail     bool

	requests atomic.Int32
	paths    []string

	mu       sync.Mutex
	session  *srp.Server
	verified bool
	srv      *httptest.Server
}

func newFakeGSA(t *testing.T) *fakeGSA {
	t.Helper()
	f := &fakeGSA{t: t, salt: []byte("fake-salt-123456"), protocol: srp.ProtocolS2K}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGSA) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: f.srv.URL,
		Anisette: anisette.Static{
			anisette.HeaderMD:       "otp",
			anisette.HeaderMDM:      "machine",
			anisette.HeaderDeviceID: "DEVICE-ID",
		},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func (f *fakeGSA) setPassword(password string) {
	key, err := srp.DerivePassword(password, f.protocol, f.salt, testIterations)
	if err != nil {
		f.t.Fatalf("DerivePassword failed: %v", err)
	}
	f.verifier = srp.ComputeVerifier(key, f.salt)
}

func (f *fakeGSA) profile() plistutil.Dict {
	spd := plistutil.Dict{
		keyADSID:     testADSID,
		keyIdmsToken: testIdmsToken,
		keySK:        testSessionKey,
		keyC:         []byte("continuation"),
		keyFirstName: "Ada",
		keyLastName:  "Lovelace",
	}
	if !f.omitEmail {
		spd[keyAppleID] = testEmail
	}
	return spd
}

func (f *fakeGSA) handle(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.URL.Path)

	switch r.URL.Path {
	case servicePath:
		f.handleService(w, r)
	case trustedPath, phonePath:
		w.WriteHeader(http.StatusOK)
	case validatePath:
		if r.Header.Get("security-code") != testCode {
			f.writePlist(w, plistutil.Dict{"ec": -21669, "em": "Incorrect verification code."})
			return
		}
		f.verified = true
		f.writePlist(w, plistutil.Dict{"ec": 0})
	case smsCodePath:
		var body smsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SecurityCode == nil || body.SecurityCode.Code != testCode {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.verified = true
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGSA) handleService(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	root, err := plistutil.DecodeDict(data)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req, _ := plistutil.Dictionary(root, "Request")
	op, _ := plistutil.String(req, "o")

	switch op {
	case "init":
		if f.initError != 0 {
			f.writeResponse(w, plistutil.Dict{"Status": plistutil.Dict{"ec": f.initError, "em": "init rejected"}})
			return
		}
		session, err := srp.NewServer(testEmail, f.salt, f.verifier)
		if err != nil {
			f.t.Errorf("NewServer failed: %v", err)
			return
		}
		aPub, _ := plistutil.Data(req, "A2k")
		if err := session.ProcessClient(aPub); err != nil {
			f.t.Errorf("ProcessClient failed: %v", err)
			return
		}
		f.session = session
		f.writeResponse(w, plistutil.Dict{
			"Status": plistutil.Dict{"ec": 0},
			"s":      f.salt,
			"B":      session.PublicValue(),
			"c":      "cookie",
			"i":      testIterations,
			"sp":     f.protocol,
		})

	case "complete":
		if f.completeError != 0 {
			f.writeResponse(w, plistutil.Dict{"Status": plistutil.Dict{"ec": f.completeError, "em": "complete rejected"}})
			return
		}
		m1, _ := plistutil.Data(req, "M1")
		m2, err := f.session.VerifyClientProof(m1)
		if err != nil {
			f.writeResponse(w, plistutil.Dict{"Status": plistutil.Dict{"ec": -22406, "em": "Your Apple ID or password was entered incorrectly."}})
			return
		}
		spd, err := plistutil.Encode(f.profile())
		if err != nil {
			f.t.Errorf("encode profile: %v", err)
			return
		}
		status := plistutil.Dict{"ec": 0}
		if f.twoFactor != "" && !f.verified {
			status["au"] = f.twoFactor
		}
		f.writeResponse(w, plistutil.Dict{
			"Status": status,
			"M2":     m2,
			"spd":    encryptCBC(f.t, f.session.SessionKey(), spd),
		})

	case "apptokens":
		app := ""
		if apps, ok := plistutil.Array(req, "app"); ok && len(apps) == 1 {
			app, _ = apps[0].(string)
		}
		sum, _ := plistutil.Data(req, "checksum")
		if !hmac.Equal(sum, checksum(testSessionKey, "apptokens", testADSID, app)) {
			f.writeResponse(w, plistutil.Dict{"Status": plistutil.Dict{"ec": -20101, "em": "bad checksum"}})
			return
		}
		tokens, err := plistutil.Encode(plistutil.Dict{
			"t": plistutil.Dict{
				app: plistutil.Dict{"token": "xcode-token", "duration": 3600, "expiry": 1700000000000},
			},
		})
		if err != nil {
			f.t.Errorf("encode tokens: %v", err)
			return
		}
		f.writeResponse(w, plistutil.Dict{
			"Status": plistutil.Dict{"ec": 0},
			"et":     encryptGCM(f.t, testSessionKey, tokens),
		})

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeGSA) writeResponse(w http.ResponseWriter, resp plistutil.Dict) {
	f.writePlist(w, plistutil.Dict{"Response": resp})
}

func (f *fakeGSA) writePlist(w http.ResponseWriter, v plistutil.Dict) {
	data, err := plistutil.Encode(v)
	if err != nil {
		f.t.Errorf("encode response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/x-xml-plist")
	_, _ = w.Write(data)
}

func encryptCBC(t *testing.T, sessionKey, plain []byte) []byte {
	t.Helper()
	key, iv := profileKeys(sessionKey)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func encryptGCM(t *testing.T, key, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		t.Fatalf("NewGCM: %v", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("rand: %v", err)
	}
	out := append(append([]byte{}, gcmHeader...), nonce...)
	return aead.Seal(out, nonce, plain, gcmHeader)
}
