package installer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/plume-impactor/impactor/pkg/fault"
)

// Environment passed to an external signer.
const (
	EnvInput    = "IMPACTOR_INPUT"
	EnvOutput   = "IMPACTOR_OUTPUT"
	EnvProfile  = "IMPACTOR_PROFILE"
	EnvBundleID = "IMPACTOR_BUNDLE_ID"
	EnvTeamID   = "IMPACTOR_TEAM_ID"
)

// ExternalSigner runs a signing tool. The command line is split on
// whitespace and invoked with the input and output paths appended; the
// provisioning data is passed through the IMPACTOR_* environment.
type ExternalSigner struct {
	Command string
	Logger  *slog.Logger
}

// Sign implements Signer.
func (s *ExternalSigner) Sign(ctx context.Context, req SignRequest) (string, error) {
	fields := strings.Fields(s.Command)
	if len(fields) == 0 {
		return "", fmt.Errorf("installer: no signer command configured")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bundleID := req.Package.BundleID
	env := append(os.Environ(),
		EnvInput+"="+req.Package.Path,
		EnvOutput+"="+req.Output,
	)
	if p := req.Provisioning; p != nil {
		profile, err := writeProfile(filepath.Dir(req.Output), p.Profile)
		if err != nil {
			return "", err
		}
		defer os.Remove(profile)
		bundleID = p.BundleID
		env = append(env,
			EnvProfile+"="+profile,
			EnvTeamID+"="+p.TeamID,
		)
	}
	env = append(env, EnvBundleID+"="+bundleID)

	args := append(fields[1:], req.Package.Path, req.Output)
	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("running signer", "command", fields[0], "output", req.Output)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("signer %s: %w: %s", fields[0], err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(req.Output); err != nil {
		return "", fmt.Errorf("%w: signer produced no output: %v", fault.ErrIO, err)
	}
	return req.Output, nil
}

func writeProfile(dir string, profile []byte) (string, error) {
	f, err := os.CreateTemp(dir, "profile-*.mobileprovision")
	if err != nil {
		return "", fmt.Errorf("%w: %v", fault.ErrIO, err)
	}
	if _, err := f.Write(profile); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: %v", fault.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: %v", fault.ErrIO, err)
	}
	return f.Name(), nil
}

var _ Signer = (*ExternalSigner)(nil)
