package gsa

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// TwoFactorKind is the second factor requested by the identity service.
type TwoFactorKind uint8

const (
	// TwoFactorNone means no second factor is required.
	TwoFactorNone TwoFactorKind = iota

	// TwoFactorTrustedDevice sends a code to the user's trusted devices.
	TwoFactorTrustedDevice

	// TwoFactorSMS sends a code by text message.
	TwoFactorSMS
)

// String returns the kind name.
func (k TwoFactorKind) String() string {
	switch k {
	case TwoFactorNone:
		return "NONE"
	case TwoFactorTrustedDevice:
		return "TRUSTED_DEVICE"
	case TwoFactorSMS:
		return "SMS"
	default:
		return "UNKNOWN"
	}
}

// twoFactorKind maps the "au" status field.
func twoFactorKind(au string) TwoFactorKind {
	switch au {
	case "trustedDeviceSecondaryAuth":
		return TwoFactorTrustedDevice
	case "secondaryAuth":
		return TwoFactorSMS
	default:
		return TwoFactorNone
	}
}

type smsPhone struct {
	ID int `json:"id"`
}

type smsCode struct {
	Code string `json:"code"`
}

type smsRequest struct {
	PhoneNumber  smsPhone `json:"phoneNumber"`
	Mode         string   `json:"mode"`
	SecurityCode *smsCode `json:"securityCode,omitempty"`
}

// requestTwoFactor asks the service to deliver a code.
func (c *Client) requestTwoFactor(ctx context.Context, acct *Account, kind TwoFactorKind) error {
	var (
		req *http.Request
		err error
	)
	switch kind {
	case TwoFactorTrustedDevice:
		req, err = c.authRequest(ctx, acct, http.MethodGet, trustedPath, nil)
	case TwoFactorSMS:
		req, err = c.authRequest(ctx, acct, http.MethodPut, phonePath, smsRequest{
			PhoneNumber: smsPhone{ID: 1},
			Mode:        "sms",
		})
	default:
		return fmt.Errorf("gsa: unsupported second factor %s", kind)
	}
	if err != nil {
		return err
	}

	body, status, err := c.do(req, "2fa-request")
	if err != nil {
		return err
	}
	return httpStatusError(status, body)
}

// verifyTwoFactor submits the code the user received.
func (c *Client) verifyTwoFactor(ctx context.Context, acct *Account, kind TwoFactorKind, code string) error {
	code = strings.TrimSpace(code)

	switch kind {
	case TwoFactorTrustedDevice:
		req, err := c.authRequest(ctx, acct, http.MethodGet, validatePath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("security-code", code)

		body, status, err := c.do(req, "2fa-validate")
		if err != nil {
			return err
		}
		resp, perr := plistutil.DecodeDict(body)
		if perr != nil {
			if herr := httpStatusError(status, body); herr != nil {
				return herr
			}
			return perr
		}
		return checkStatus(resp)

	case TwoFactorSMS:
		req, err := c.authRequest(ctx, acct, http.MethodPost, smsCodePath, smsRequest{
			PhoneNumber:  smsPhone{ID: 1},
			Mode:         "sms",
			SecurityCode: &smsCode{Code: code},
		})
		if err != nil {
			return err
		}
		body, status, err := c.do(req, "2fa-sms-validate")
		if err != nil {
			return err
		}
		return httpStatusError(status, body)

	default:
		return fmt.Errorf("gsa: unsupported second factor %s", kind)
	}
}

// httpStatusError reports a non-2xx status as a RemoteError.
func httpStatusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fault.NewRemoteError(int64(status), msg)
}
