package gsa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/srp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticCredentials(email, password string) CredentialsFunc {
	return func(context.Context) (Credentials, error) {
		return Credentials{Email: email, Password: password}, nil
	}
}

func noTwoFactor(t *testing.T) TwoFactorFunc {
	return func(context.Context, TwoFactorKind) (string, error) {
		t.Error("second factor must not be requested")
		return "", errors.New("unexpected")
	}
}

func TestLoginSucceeds(t *testing.T) {
	for _, protocol := range []string{srp.ProtocolS2K, srp.ProtocolS2KFO} {
		t.Run(protocol, func(t *testing.T) {
			f := newFakeGSA(t)
			f.protocol = protocol
			f.setPassword(testPassword)

			acct, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword), noTwoFactor(t))
			require.NoError(t, err)

			email, err := acct.Email()
			require.NoError(t, err)
			assert.Equal(t, testEmail, email)
			assert.Equal(t, testADSID, acct.ADSID())
			assert.Equal(t, testIdmsToken, acct.IdmsToken())
			assert.Equal(t, testSessionKey, acct.SessionKey())
			first, last := acct.Name()
			assert.Equal(t, "Ada", first)
			assert.Equal(t, "Lovelace", last)
			assert.Equal(t, int32(2), f.requests.Load())
		})
	}
}

func TestLoginRemoteErrors(t *testing.T) {
	t.Run("init rejected", func(t *testing.T) {
		f := newFakeGSA(t)
		f.setPassword(testPassword)
		f.initError = -20101

		_, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword), noTwoFactor(t))
		var remote *fault.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, int64(-20101), remote.Code)
		assert.Equal(t, int32(1), f.requests.Load(), "no request may follow a rejected init")
	})

	t.Run("complete rejected", func(t *testing.T) {
		f := newFakeGSA(t)
		f.setPassword(testPassword)
		f.completeError = -22406

		_, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword), noTwoFactor(t))
		assert.ErrorIs(t, err, fault.ErrRemote)
		assert.True(t, fault.NeedsReauth(err))
		assert.Equal(t, int32(2), f.requests.Load())
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFakeGSA(t)
		f.setPassword(testPassword)

		_, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, "wrong"), noTwoFactor(t))
		var remote *fault.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, int64(-22406), remote.Code)
	})
}

func TestLoginMissingEmail(t *testing.T) {
	f := newFakeGSA(t)
	f.setPassword(testPassword)
	f.omitEmail = true

	_, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword), noTwoFactor(t))
	assert.ErrorIs(t, err, fault.ErrMissingEmail)
}

func TestLoginCredentialsError(t *testing.T) {
	f := newFakeGSA(t)
	boom := errors.New("no terminal")
	_, err := f.client(t).Login(context.Background(), func(context.Context) (Credentials, error) {
		return Credentials{}, boom
	}, noTwoFactor(t))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), f.requests.Load())
}

func TestLoginTwoFactor(t *testing.T) {
	t.Run("trusted device", func(t *testing.T) {
		f := newFakeGSA(t)
		f.setPassword(testPassword)
		f.twoFactor = "trustedDeviceSecondaryAuth"

		var asked []TwoFactorKind
		acct, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword),
			func(_ context.Context, kind TwoFactorKind) (string, error) {
				asked = append(asked, kind)
				return " " + testCode + "\n", nil
			})
		require.NoError(t, err)
		assert.Equal(t, []TwoFactorKind{TwoFactorTrustedDevice}, asked)
		assert.Equal(t, testADSID, acct.ADSID())
		assert.Equal(t, []string{servicePath, servicePath, trustedPath, validatePath, servicePath, servicePath}, f.paths)
	})

	t.Run("sms", func(t *testing.T) {
		f := newFakeGSA(t)
		f.setPassword(testPassword)
		f.twoFactor = "secondaryAuth"

		acct, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword),
			func(_ context.Context, kind TwoFactorKind) (string, error) {
				assert.Equal(t, TwoFactorSMS, kind)
				return testCode, nil
			})
		require.NoError(t, err)
		assert.Equal(t, testADSID, acct.ADSID())
		assert.Contains(t, f.paths, smsCodePath)
	})

	t.Run("wrong code", func(t *testing.T) {
		f := newFakeGSA(t)
		f.setPassword(testPassword)
		f.twoFactor = "trustedDeviceSecondaryAuth"

		_, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword),
			func(context.Context, TwoFactorKind) (string, error) { return "000000", nil })
		var remote *fault.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, int64(-21669), remote.Code)
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFakeGSA(t)
		f.setPassword(testPassword)
		f.twoFactor = "trustedDeviceSecondaryAuth"

		_, err := f.client(t).Login(context.Background(), staticCredentials(testEmail, testPassword),
			func(context.Context, TwoFactorKind) (string, error) { return "", errors.New("window closed") })
		assert.ErrorIs(t, err, fault.ErrTwoFactorCancelled)
		assert.NotContains(t, f.paths, validatePath)
	})
}

func TestLoginFlowBlocksOnSecondFactor(t *testing.T) {
	f := newFakeGSA(t)
	f.setPassword(testPassword)
	f.twoFactor = "trustedDeviceSecondaryAuth"

	flow := f.client(t).NewLogin()
	assert.Equal(t, StateAwaitingCredentials, flow.State())

	require.NoError(t, flow.SubmitCredentials(context.Background(), Credentials{Email: testEmail, Password: testPassword}))
	assert.Equal(t, StateAwaitingTwoFactor, flow.State())
	assert.Equal(t, TwoFactorTrustedDevice, flow.TwoFactorKind())

	_, err := flow.Result()
	assert.ErrorIs(t, err, ErrInvalidState)

	// Nothing happens until a code arrives.
	before := f.requests.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, f.requests.Load())

	err = flow.SubmitCredentials(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, flow.SubmitTwoFactor(context.Background(), testCode))
	assert.Equal(t, StateDone, flow.State())

	acct, err := flow.Result()
	require.NoError(t, err)
	email, err := acct.Email()
	require.NoError(t, err)
	assert.Equal(t, testEmail, email)
}

func TestLoginFlowCancel(t *testing.T) {
	f := newFakeGSA(t)
	f.setPassword(testPassword)
	f.twoFactor = "secondaryAuth"

	flow := f.client(t).NewLogin()
	require.NoError(t, flow.SubmitCredentials(context.Background(), Credentials{Email: testEmail, Password: testPassword}))
	flow.CancelTwoFactor(nil)

	assert.Equal(t, StateFailed, flow.State())
	_, err := flow.Result()
	assert.ErrorIs(t, err, fault.ErrTwoFactorCancelled)
	assert.ErrorIs(t, flow.SubmitTwoFactor(context.Background(), testCode), ErrInvalidState)
}

func TestTwoFactorKind(t *testing.T) {
	assert.Equal(t, TwoFactorTrustedDevice, twoFactorKind("trustedDeviceSecondaryAuth"))
	assert.Equal(t, TwoFactorSMS, twoFactorKind("secondaryAuth"))
	assert.Equal(t, TwoFactorNone, twoFactorKind(""))
	assert.Equal(t, "SMS", TwoFactorSMS.String())
}
