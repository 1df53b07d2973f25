package gsa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/log"
	"github.com/plume-impactor/impactor/pkg/plistutil"
	"github.com/plume-impactor/impactor/pkg/srp"
)

// Login errors.
var (
	// ErrInvalidState is returned when a LoginFlow method is called in the
	// wrong state.
	ErrInvalidState = errors.New("login: invalid state for operation")

	// ErrTwoFactorRequired is returned if the service still asks for a
	// second factor after one was accepted.
	ErrTwoFactorRequired = errors.New("login: second factor still required after verification")
)

// Credentials are the user's Apple ID and password. They are never persisted.
type Credentials struct {
	Email    string
	Password string
}

// CredentialsFunc supplies credentials. It is invoked once per login; an
// error aborts the login.
type CredentialsFunc func(ctx context.Context) (Credentials, error)

// TwoFactorFunc blocks until the user enters a code. An error cancels the
// login with fault.ErrTwoFactorCancelled.
type TwoFactorFunc func(ctx context.Context, kind TwoFactorKind) (string, error)

// LoginState is the state of a LoginFlow.
type LoginState uint8

const (
	// StateAwaitingCredentials waits for SubmitCredentials.
	StateAwaitingCredentials LoginState = iota

	// StateAwaitingTwoFactor waits for SubmitTwoFactor or CancelTwoFactor.
	StateAwaitingTwoFactor

	// StateDone holds the authenticated account.
	StateDone

	// StateFailed holds the terminal error.
	StateFailed
)

// String returns the state name.
func (s LoginState) String() string {
	switch s {
	case StateAwaitingCredentials:
		return "AWAITING_CREDENTIALS"
	case StateAwaitingTwoFactor:
		return "AWAITING_TWO_FACTOR"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// LoginFlow is a resumable login. Each Submit call performs the network
// round-trips for one step and leaves the flow in its next state, so any
// execution model (goroutine, UI callback, test) can drive it.
type LoginFlow struct {
	client *Client

	mu      sync.Mutex
	state   LoginState
	creds   Credentials
	pending *Account
	kind    TwoFactorKind
	account *Account
	err     error
}

// NewLogin starts a login flow in StateAwaitingCredentials.
func (c *Client) NewLogin() *LoginFlow {
	return &LoginFlow{client: c}
}

// State returns the current state.
func (f *LoginFlow) State() LoginState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// TwoFactorKind returns the requested second factor while awaiting one.
func (f *LoginFlow) TwoFactorKind() TwoFactorKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind
}

// Result returns the account once Done, or the error once Failed.
func (f *LoginFlow) Result() (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateDone:
		return f.account, nil
	case StateFailed:
		return nil, f.err
	default:
		return nil, fmt.Errorf("%w: login is %s", ErrInvalidState, f.state)
	}
}

// SubmitCredentials runs the SRP exchange. On return the flow is Done,
// Failed, or AwaitingTwoFactor (a code has been requested).
func (f *LoginFlow) SubmitCredentials(ctx context.Context, creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateAwaitingCredentials {
		return fmt.Errorf("%w: login is %s", ErrInvalidState, f.state)
	}
	f.creds = creds
	return f.attempt(ctx, false)
}

// SubmitTwoFactor verifies code and, on success, repeats the SRP exchange to
// obtain the fully authorized session.
func (f *LoginFlow) SubmitTwoFactor(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateAwaitingTwoFactor {
		return fmt.Errorf("%w: login is %s", ErrInvalidState, f.state)
	}
	if err := f.client.verifyTwoFactor(ctx, f.pending, f.kind, code); err != nil {
		return f.fail(err)
	}
	f.client.logger.Info("second factor accepted", "kind", f.kind)
	return f.attempt(ctx, true)
}

// CancelTwoFactor abandons a flow awaiting a second factor. cause may be nil.
func (f *LoginFlow) CancelTwoFactor(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateAwaitingTwoFactor {
		return
	}
	if cause == nil {
		f.fail(fault.ErrTwoFactorCancelled)
		return
	}
	f.fail(fmt.Errorf("%w: %v", fault.ErrTwoFactorCancelled, cause))
}

// attempt runs one SRP login and transitions accordingly. f.mu is held.
func (f *LoginFlow) attempt(ctx context.Context, afterTwoFactor bool) error {
	acct, kind, err := f.client.authenticate(ctx, f.creds)
	if err != nil {
		return f.fail(err)
	}

	if kind != TwoFactorNone {
		if afterTwoFactor {
			return f.fail(ErrTwoFactorRequired)
		}
		if err := f.client.requestTwoFactor(ctx, acct, kind); err != nil {
			return f.fail(err)
		}
		f.pending = acct
		f.kind = kind
		f.transition(StateAwaitingTwoFactor, kind.String())
		return nil
	}

	if _, err := acct.Email(); err != nil {
		return f.fail(err)
	}
	f.account = acct
	f.pending = nil
	f.creds = Credentials{}
	f.transition(StateDone, "")
	return nil
}

// fail moves to StateFailed and returns err. f.mu is held.
func (f *LoginFlow) fail(err error) error {
	f.err = err
	f.pending = nil
	f.creds = Credentials{}
	f.transition(StateFailed, err.Error())
	return err
}

func (f *LoginFlow) transition(to LoginState, reason string) {
	from := f.state
	f.state = to
	f.client.plog.Log(log.NewStateEvent(f.client.connID, log.LayerHTTP, log.StateEntityLogin, from.String(), to.String(), reason))
}

// Login drives a LoginFlow with callbacks. credentials is called once;
// twoFactor is called, and blocks the login, whenever a code is needed.
func (c *Client) Login(ctx context.Context, credentials CredentialsFunc, twoFactor TwoFactorFunc) (*Account, error) {
	creds, err := credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("login: credentials: %w", err)
	}

	flow := c.NewLogin()
	if err := flow.SubmitCredentials(ctx, creds); err != nil {
		return nil, err
	}

	for flow.State() == StateAwaitingTwoFactor {
		code, err := twoFactor(ctx, flow.TwoFactorKind())
		if err != nil {
			flow.CancelTwoFactor(err)
			return flow.Result()
		}
		if err := flow.SubmitTwoFactor(ctx, code); err != nil {
			return nil, err
		}
	}
	return flow.Result()
}

// authenticate performs the init and complete round-trips and decrypts the
// profile. It reports which second factor, if any, the service requires.
func (c *Client) authenticate(ctx context.Context, creds Credentials) (*Account, TwoFactorKind, error) {
	session, err := srp.NewClient()
	if err != nil {
		return nil, TwoFactorNone, err
	}

	initResp, err := c.post(ctx, "init", plistutil.Dict{
		"A2k": session.PublicValue(),
		"ps":  []any{srp.ProtocolS2K, srp.ProtocolS2KFO},
		"u":   creds.Email,
	})
	if err != nil {
		return nil, TwoFactorNone, err
	}
	if err := checkStatus(initResp); err != nil {
		return nil, TwoFactorNone, err
	}

	salt, ok1 := plistutil.Data(initResp, "s")
	bPub, ok2 := plistutil.Data(initResp, "B")
	cookie, ok3 := plistutil.String(initResp, "c")
	iterations, ok4 := plistutil.Int(initResp, "i")
	protocol, ok5 := plistutil.String(initResp, "sp")
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, TwoFactorNone, fmt.Errorf("%w: incomplete init response", fault.ErrParse)
	}

	password, err := srp.DerivePassword(creds.Password, protocol, salt, int(iterations))
	if err != nil {
		return nil, TwoFactorNone, fmt.Errorf("%w: %v", fault.ErrParse, err)
	}
	if err := session.ProcessChallenge(creds.Email, password, salt, bPub); err != nil {
		return nil, TwoFactorNone, fmt.Errorf("%w: %v", fault.ErrParse, err)
	}

	completeResp, err := c.post(ctx, "complete", plistutil.Dict{
		"c":  cookie,
		"M1": session.Proof(),
		"u":  creds.Email,
	})
	if err != nil {
		return nil, TwoFactorNone, err
	}
	if err := checkStatus(completeResp); err != nil {
		return nil, TwoFactorNone, err
	}

	m2, ok := plistutil.Data(completeResp, "M2")
	if !ok {
		return nil, TwoFactorNone, fmt.Errorf("%w: complete response has no M2", fault.ErrParse)
	}
	if err := session.VerifyServerProof(m2); err != nil {
		return nil, TwoFactorNone, fmt.Errorf("%w: server proof: %v", fault.ErrParse, err)
	}

	blob, ok := plistutil.Data(completeResp, "spd")
	if !ok {
		return nil, TwoFactorNone, fmt.Errorf("%w: complete response has no spd", fault.ErrParse)
	}
	plain, err := decryptCBC(session.SessionKey(), blob)
	if err != nil {
		return nil, TwoFactorNone, err
	}
	spd, err := plistutil.DecodeDict(plain)
	if err != nil {
		return nil, TwoFactorNone, err
	}

	kind := TwoFactorNone
	if status, ok := plistutil.Dictionary(completeResp, "Status"); ok {
		kind = twoFactorKind(plistutil.StringOr(status, "au", ""))
	}
	return NewAccount(c, spd), kind, nil
}
