// Package bundle reads application metadata from .ipa archives and .app
// directories.
package bundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/plistutil"
)

// ErrNoApp is returned when an archive holds no Payload/*.app/Info.plist.
var ErrNoApp = fmt.Errorf("%w: no application bundle in package", fault.ErrParse)

// maxInfoPlist caps the Info.plist read from an archive.
const maxInfoPlist = 4 << 20

// Package is an installable application.
type Package struct {
	// Path is the .ipa file or .app directory.
	Path string

	BundleID string
	Name     string

	// Version is CFBundleShortVersionString, Build is CFBundleVersion.
	Version string
	Build   string

	// MinimumOSVersion is empty if the bundle does not declare one.
	MinimumOSVersion string

	// Info is the decoded Info.plist.
	Info plistutil.Dict
}

// String returns "Name (BundleID) Version (Build)".
func (p *Package) String() string {
	return fmt.Sprintf("%s (%s) %s (%s)", p.Name, p.BundleID, p.Version, p.Build)
}

// Open reads the package at path, which is either an .ipa archive or an
// unpacked .app directory.
func Open(p string) (*Package, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrIO, err)
	}
	var data []byte
	if fi.IsDir() {
		data, err = os.ReadFile(filepath.Join(p, "Info.plist"))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoApp
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", fault.ErrIO, err)
		}
	} else {
		data, err = readArchiveInfo(p)
		if err != nil {
			return nil, err
		}
	}
	return parse(p, data)
}

func readArchiveInfo(p string) ([]byte, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", fault.ErrParse, p, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !isTopLevelInfo(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", fault.ErrParse, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxInfoPlist))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", fault.ErrIO, err)
		}
		return data, nil
	}
	return nil, ErrNoApp
}

// isTopLevelInfo matches Payload/<name>.app/Info.plist, not plists of
// nested frameworks or extensions.
func isTopLevelInfo(name string) bool {
	parts := strings.Split(path.Clean(name), "/")
	return len(parts) == 3 &&
		parts[0] == "Payload" &&
		strings.HasSuffix(parts[1], ".app") &&
		parts[2] == "Info.plist"
}

func parse(p string, data []byte) (*Package, error) {
	info, err := plistutil.DecodeDict(data)
	if err != nil {
		return nil, err
	}
	id := plistutil.StringOr(info, "CFBundleIdentifier", "")
	if id == "" {
		return nil, fmt.Errorf("%w: Info.plist has no CFBundleIdentifier", fault.ErrParse)
	}
	name := plistutil.StringOr(info, "CFBundleDisplayName", "")
	if name == "" {
		name = plistutil.StringOr(info, "CFBundleName", id)
	}
	return &Package{
		Path:             p,
		BundleID:         id,
		Name:             name,
		Version:          plistutil.StringOr(info, "CFBundleShortVersionString", ""),
		Build:            plistutil.StringOr(info, "CFBundleVersion", ""),
		MinimumOSVersion: plistutil.StringOr(info, "MinimumOSVersion", ""),
		Info:             info,
	}, nil
}
