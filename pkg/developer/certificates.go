package developer

import (
	"context"
	"time"

	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// Certificate is a development signing certificate.
type Certificate struct {
	CertificateID  string    `plist:"certificateId"`
	SerialNumber   string    `plist:"serialNumber"`
	Name           string    `plist:"name"`
	MachineName    string    `plist:"machineName"`
	MachineID      string    `plist:"machineId"`
	Status         string    `plist:"status"`
	Content        []byte    `plist:"certContent"`
	ExpirationDate time.Time `plist:"expirationDate"`
}

// CertificatesResponse is the listAllDevelopmentCerts.action response.
type CertificatesResponse struct {
	Certificates []Certificate `plist:"certificates"`
}

// CertRequest is the result of a CSR submission.
type CertRequest struct {
	CertRequestID string `plist:"certRequestId"`
	SerialNumber  string `plist:"serialNum"`
	StatusString  string `plist:"statusString"`
}

// CertRequestResponse is the submitDevelopmentCSR.action response.
type CertRequestResponse struct {
	CertRequest CertRequest `plist:"certRequest"`
}

// ListCertificates returns the team's development certificates.
func (s *Session) ListCertificates(ctx context.Context, team string) (*CertificatesResponse, error) {
	var resp CertificatesResponse
	if err := s.call(ctx, "ios/listAllDevelopmentCerts.action", plistutil.Dict{"teamId": team}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitCSR requests a development certificate for a PEM-encoded CSR.
func (s *Session) SubmitCSR(ctx context.Context, team, csr, machineName, machineID string) (*CertRequestResponse, error) {
	var resp CertRequestResponse
	err := s.call(ctx, "ios/submitDevelopmentCSR.action", plistutil.Dict{
		"teamId":      team,
		"csrContent":  csr,
		"machineName": machineName,
		"machineId":   machineID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeCertificate revokes the certificate with the given serial number.
func (s *Session) RevokeCertificate(ctx context.Context, team, serial string) error {
	return s.call(ctx, "ios/revokeDevelopmentCert.action", plistutil.Dict{
		"teamId":       team,
		"serialNumber": serial,
	}, nil)
}
