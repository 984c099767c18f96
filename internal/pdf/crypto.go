package pdf

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrPasswordRequired is returned when an encrypted document is opened
// without a password.
var ErrPasswordRequired = errors.New("document is encrypted and no password was given")

// isEncryptionError reports whether pdfcpu refused the file because of
// encryption.
func isEncryptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "encrypted") ||
		strings.Contains(msg, "password") ||
		strings.Contains(msg, "decrypt")
}

// decrypt writes a decrypted copy of filename to a temporary file and
// returns its path. The returned cleanup removes the copy; it is a no-op
// when the document was not encrypted to begin with.
func decrypt(filename, password string) (string, func(), error) {
	noop := func() {}

	_, err := api.PageCountFile(filename)
	if err == nil {
		return filename, noop, nil
	}
	if !isEncryptionError(err) {
		return "", noop, fmt.Errorf("failed to read PDF: %w", err)
	}
	if password == "" {
		return "", noop, ErrPasswordRequired
	}

	tmp, err := os.CreateTemp("", "folio-decrypted-*.pdf")
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temporary file: %w", err)
	}
	_ = tmp.Close()
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	conf := model.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password

	if err := api.DecryptFile(filename, tmp.Name(), conf); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to decrypt PDF: %w", err)
	}
	return tmp.Name(), cleanup, nil
}
