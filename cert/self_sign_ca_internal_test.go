// This file contains tests that require access to internal/unexported functions and types.
//
// Justification:
// - getStorePath: Tests the internal logic for determining the certificate storage path
// - saveCertTo/saveKeyTo: Tests the internal PEM encoding used when the CA is written to disk
// - certFile/keyFile: Tests the internal path construction for the two PEM files
// - writeFile/openFile: Replaces the file opener to make closing fail, which a real disk
//   cannot be made to do on demand
//
// These tests verify critical internal behavior that cannot be adequately tested through
// the public API alone, as they test specific implementation details and edge cases.

package cert

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestGetStorePath(t *testing.T) {
	c := qt.New(t)

	path, err := getStorePath("")
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Not(qt.Equals), "", qt.Commentf("should have path"))
	c.Assert(filepath.Base(path), qt.Equals, ".interceptproxy")

	path, err = getStorePath("relative/dir")
	c.Assert(err, qt.IsNil)
	c.Assert(filepath.IsAbs(path), qt.IsTrue)
}

func TestSaveToMatchesFiles(t *testing.T) {
	c := qt.New(t)

	ca, err := GenerateRootCA(c.TempDir(), true)
	c.Assert(err, qt.IsNil)

	var certBuf, keyBuf bytes.Buffer
	c.Assert(ca.saveCertTo(&certBuf), qt.IsNil)
	c.Assert(ca.saveKeyTo(&keyBuf), qt.IsNil)

	certContent, err := os.ReadFile(ca.certFile())
	c.Assert(err, qt.IsNil)
	c.Assert(certContent, qt.DeepEquals, certBuf.Bytes(), qt.Commentf("pem content should equal"))

	keyContent, err := os.ReadFile(ca.keyFile())
	c.Assert(err, qt.IsNil)
	c.Assert(keyContent, qt.DeepEquals, keyBuf.Bytes())

	info, err := os.Stat(ca.keyFile())
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode().Perm(), qt.Equals, os.FileMode(0o600))
}

type failingCloseFile struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (f *failingCloseFile) Close() error {
	f.closed = true
	return f.closeErr
}

func TestWriteFileReportsCloseError(t *testing.T) {
	c := qt.New(t)

	errFull := errors.New("no space left on device")
	var opened []*failingCloseFile
	c.Patch(&openFile, func(string, os.FileMode) (io.WriteCloser, error) {
		f := &failingCloseFile{closeErr: errFull}
		opened = append(opened, f)
		return f, nil
	})

	_, err := GenerateRootCA(c.TempDir(), true)

	c.Assert(err, qt.ErrorIs, errFull)
	c.Assert(err, qt.ErrorMatches, "close .*ca-cert.pem: no space left on device")
	c.Assert(opened, qt.HasLen, 1)
	c.Assert(opened[0].closed, qt.IsTrue)
}

func TestWriteFileClosesAfterWriteError(t *testing.T) {
	c := qt.New(t)

	f := &failingCloseFile{}
	c.Patch(&openFile, func(string, os.FileMode) (io.WriteCloser, error) {
		return f, nil
	})
	errWrite := errors.New("write failed")

	err := writeFile("ca-key.pem", 0o600, func(io.Writer) error { return errWrite })

	c.Assert(err, qt.ErrorIs, errWrite)
	c.Assert(f.closed, qt.IsTrue)
}
