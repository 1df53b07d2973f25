// Package srp implements the SRP-6a variant spoken by Apple's GrandSlam
// authentication service.
//
// The group is the RFC 5054 2048-bit group with SHA-256. The username is not
// mixed into x, and the password is pre-derived with PBKDF2 (see
// DerivePassword) before it enters the exchange.
package srp

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// Protocol constants.
const (
	// KeySize is the size of the derived session key K.
	KeySize = sha256.Size

	// PrivateSize is the size of the random private exponent.
	PrivateSize = 32

	// ProtocolS2K derives the password from the raw SHA-256 digest.
	ProtocolS2K = "s2k"

	// ProtocolS2KFO derives the password from the hex SHA-256 digest.
	ProtocolS2KFO = "s2k_fo"
)

// SRP errors.
var (
	ErrInvalidPublicValue = errors.New("invalid public value")
	ErrProofMismatch      = errors.New("proof mismatch")
	ErrNotReady           = errors.New("exchange not complete")
	ErrUnknownProtocol    = errors.New("unknown password protocol")
)

// Group is an SRP group (safe prime N and generator g).
type Group struct {
	N *big.Int
	G *big.Int
}

// Group2048 is the RFC 5054 2048-bit group.
var Group2048 = &Group{
	N: mustHexBigInt("" +
		"AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
		"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
		"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
		"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
		"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
		"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
		"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
		"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"),
	G: big.NewInt(2),
}

// mustHexBigInt parses a hex string to big.Int or panics.
func mustHexBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid hex string: " + s)
	}
	return n
}

// DerivePassword turns the user's password into the SRP password input using
// the protocol and parameters announced by the server.
func DerivePassword(password, protocol string, salt []byte, iterations int) ([]byte, error) {
	digest := sha256.Sum256([]byte(password))

	var input []byte
	switch protocol {
	case ProtocolS2K:
		input = digest[:]
	case ProtocolS2KFO:
		input = []byte(hex.EncodeToString(digest[:]))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("invalid iteration count %d", iterations)
	}
	return pbkdf2.Key(input, salt, iterations, sha256.Size, sha256.New), nil
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// pad left-pads b with zeros to the byte length of N.
func (g *Group) pad(b []byte) []byte {
	size := (g.N.BitLen() + 7) / 8
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// multiplier computes k = H(N | PAD(g)).
func (g *Group) multiplier() *big.Int {
	return new(big.Int).SetBytes(hashBytes(g.N.Bytes(), g.pad(g.G.Bytes())))
}

// privateKey computes x = H(s | H(":" | p)).
func privateKey(salt, password []byte) *big.Int {
	inner := hashBytes([]byte(":"), password)
	return new(big.Int).SetBytes(hashBytes(salt, inner))
}

// scramble computes u = H(A | B) over the transmitted encodings.
func scramble(aPub, bPub []byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(aPub, bPub))
}

// clientProof computes M1 = H(H(N) xor H(g) | H(I) | s | A | B | K).
func (g *Group) clientProof(username string, salt, aPub, bPub, key []byte) []byte {
	hn := hashBytes(g.N.Bytes())
	hg := hashBytes(g.G.Bytes())
	for i := range hn {
		hn[i] ^= hg[i]
	}
	return hashBytes(hn, hashBytes([]byte(username)), salt, aPub, bPub, key)
}

// serverProof computes M2 = H(A | M1 | K).
func serverProof(aPub, m1, key []byte) []byte {
	return hashBytes(aPub, m1, key)
}

// validPublic reports whether v mod N is non-zero.
func (g *Group) validPublic(v *big.Int) bool {
	return new(big.Int).Mod(v, g.N).Sign() != 0
}

func randomExponent() (*big.Int, error) {
	buf := make([]byte, PrivateSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return new(big.Int).SetBytes(buf), nil
}

// Client represents the client side of an SRP exchange.
type Client struct {
	group *Group

	// Ephemeral private exponent
	a *big.Int

	// Exchange values
	aPub []byte
	bPub []byte

	// Derived values
	key []byte
	m1  []byte
	m2  []byte
}

// NewClient creates a client with a random ephemeral key in Group2048.
func NewClient() (*Client, error) {
	a, err := randomExponent()
	if err != nil {
		return nil, err
	}
	return newClient(Group2048, a), nil
}

func newClient(group *Group, a *big.Int) *Client {
	A := new(big.Int).Exp(group.G, a, group.N)
	return &Client{
		group: group,
		a:     a,
		aPub:  A.Bytes(),
	}
}

// PublicValue returns A, to send in the init request.
func (c *Client) PublicValue() []byte {
	return c.aPub
}

// ProcessChallenge consumes the server's salt and public value B and derives
// the session key and client proof. password is the output of DerivePassword.
func (c *Client) ProcessChallenge(username string, password, salt, bPub []byte) error {
	g := c.group
	B := new(big.Int).SetBytes(bPub)
	if !g.validPublic(B) {
		return ErrInvalidPublicValue
	}

	u := scramble(c.aPub, bPub)
	if u.Sign() == 0 {
		return ErrInvalidPublicValue
	}

	x := privateKey(salt, password)
	k := g.multiplier()

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(g.G, x, g.N)
	kgx := new(big.Int).Mul(k, gx)
	kgx.Mod(kgx, g.N)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, g.N)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)

	S := new(big.Int).Exp(base, exp, g.N)

	c.bPub = bPub
	c.key = hashBytes(S.Bytes())
	c.m1 = g.clientProof(username, salt, c.aPub, bPub, c.key)
	c.m2 = serverProof(c.aPub, c.m1, c.key)
	return nil
}

// Proof returns M1. It is nil before ProcessChallenge succeeds.
func (c *Client) Proof() []byte {
	return c.m1
}

// SessionKey returns K. It is nil before ProcessChallenge succeeds.
func (c *Client) SessionKey() []byte {
	return c.key
}

// VerifyServerProof checks the server's M2.
func (c *Client) VerifyServerProof(m2 []byte) error {
	if c.m2 == nil {
		return ErrNotReady
	}
	if subtle.ConstantTimeCompare(c.m2, m2) != 1 {
		return ErrProofMismatch
	}
	return nil
}

// ComputeVerifier computes v = g^x for a derived password and salt.
func ComputeVerifier(password, salt []byte) []byte {
	g := Group2048
	x := privateKey(salt, password)
	return new(big.Int).Exp(g.G, x, g.N).Bytes()
}

// Server represents the server side of an SRP exchange.
// It is used to exercise the client against a local identity service.
type Server struct {
	group    *Group
	username string
	salt     []byte
	v        *big.Int

	b    *big.Int
	bPub []byte
	aPub []byte

	key []byte
	m1  []byte
}

// NewServer creates a server for one exchange with the given verifier.
func NewServer(username string, salt, verifier []byte) (*Server, error) {
	b, err := randomExponent()
	if err != nil {
		return nil, err
	}
	g := Group2048
	v := new(big.Int).SetBytes(verifier)

	// B = k*v + g^b mod N
	B := new(big.Int).Mul(g.multiplier(), v)
	B.Add(B, new(big.Int).Exp(g.G, b, g.N))
	B.Mod(B, g.N)

	return &Server{
		group:    g,
		username: username,
		salt:     salt,
		v:        v,
		b:        b,
		bPub:     B.Bytes(),
	}, nil
}

// PublicValue returns B.
func (s *Server) PublicValue() []byte {
	return s.bPub
}

// Salt returns the salt the server was created with.
func (s *Server) Salt() []byte {
	return s.salt
}

// ProcessClient consumes A and derives the session key.
func (s *Server) ProcessClient(aPub []byte) error {
	g := s.group
	A := new(big.Int).SetBytes(aPub)
	if !g.validPublic(A) {
		return ErrInvalidPublicValue
	}
	u := scramble(aPub, s.bPub)
	if u.Sign() == 0 {
		return ErrInvalidPublicValue
	}

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.v, u, g.N)
	base := new(big.Int).Mul(A, vu)
	base.Mod(base, g.N)
	S := new(big.Int).Exp(base, s.b, g.N)

	s.aPub = aPub
	s.key = hashBytes(S.Bytes())
	s.m1 = g.clientProof(s.username, s.salt, aPub, s.bPub, s.key)
	return nil
}

// VerifyClientProof checks M1 and returns M2.
func (s *Server) VerifyClientProof(m1 []byte) ([]byte, error) {
	if s.m1 == nil {
		return nil, ErrNotReady
	}
	if !bytes.Equal(s.m1, m1) {
		return nil, ErrProofMismatch
	}
	return serverProof(s.aPub, m1, s.key), nil
}

// SessionKey returns K.
func (s *Server) SessionKey() []byte {
	return s.key
}
