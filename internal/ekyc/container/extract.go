// Package container opens password-protected identity archives.
package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/yeka/zip"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
	"github.com/charlesng35/offlinekyc/pkg/logger"
)

var (
	errPasswordRequired = errors.New("entry is encrypted and no password was supplied")
	errEntryTooLarge    = errors.New("entry exceeds the uncompressed size limit")
	errArchiveTooLarge  = errors.New("archive exceeds the total uncompressed size limit")
)

// Limits bounds the work a single archive may cause.
type Limits struct {
	MaxEntries    int
	MaxEntryBytes int64
	MaxTotalBytes int64
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:    16,
		MaxEntryBytes: 20 << 20,
		MaxTotalBytes: 20 << 20,
	}
}

// Entry is one extracted archive member.
type Entry struct {
	Name string
	Data []byte
}

// Extract reads every entry of the archive using passcode as the ZIP password.
// An entry that fails to open is retried without a password before being skipped.
// Archives yielding no readable entry fail with ErrArchiveExtraction.
func Extract(data []byte, passcode string, limits Limits) ([]Entry, error) {
	if len(data) == 0 {
		return nil, apperrors.ErrArchiveExtraction.WithInternal(errors.New("archive is empty"))
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.ErrArchiveExtraction.WithInternal(err)
	}
	if limits.MaxEntries > 0 && len(reader.File) > limits.MaxEntries {
		return nil, apperrors.ErrArchiveExtraction.WithInternal(
			fmt.Errorf("archive holds %d entries, limit is %d", len(reader.File), limits.MaxEntries))
	}

	log := logger.WithModule("ekyc.container")
	entries := make([]Entry, 0, len(reader.File))
	var total int64

	for i, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}

		content, err := readEntry(file, passcode, limits)
		if err != nil && !isLimitError(err) {
			content, err = retryWithoutPassword(data, i, limits)
		}
		if err != nil {
			if isLimitError(err) {
				return nil, apperrors.ErrArchiveExtraction.WithInternal(err)
			}
			log.Debug("skipping unreadable archive entry", zap.Int("index", i), zap.Error(err))
			continue
		}

		total += int64(len(content))
		if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
			return nil, apperrors.ErrArchiveExtraction.WithInternal(errArchiveTooLarge)
		}
		entries = append(entries, Entry{Name: file.Name, Data: content})
	}

	if len(entries) == 0 {
		return nil, apperrors.ErrArchiveExtraction.WithInternal(errors.New("no entry could be read with the supplied share code"))
	}
	return entries, nil
}

// retryWithoutPassword reopens the archive so that no password stays attached to the entry.
func retryWithoutPassword(data []byte, index int, limits Limits) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return readEntry(reader.File[index], "", limits)
}

func readEntry(file *zip.File, password string, limits Limits) ([]byte, error) {
	if limits.MaxEntryBytes > 0 && file.UncompressedSize64 > uint64(limits.MaxEntryBytes) {
		return nil, errEntryTooLarge
	}
	if file.IsEncrypted() {
		if password == "" {
			return nil, errPasswordRequired
		}
		file.SetPassword(password)
	}

	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var src io.Reader = rc
	if limits.MaxEntryBytes > 0 {
		src = io.LimitReader(rc, limits.MaxEntryBytes+1)
	}
	content, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	if limits.MaxEntryBytes > 0 && int64(len(content)) > limits.MaxEntryBytes {
		return nil, errEntryTooLarge
	}
	return content, nil
}

func isLimitError(err error) bool {
	return errors.Is(err, errEntryTooLarge) || errors.Is(err, errArchiveTooLarge)
}

// SelectDocument picks the identity XML among extracted entries: the first *.xml member,
// otherwise the first member whose content looks like markup.
func SelectDocument(entries []Entry) (Entry, bool) {
	for _, entry := range entries {
		if strings.EqualFold(path.Ext(entry.Name), ".xml") {
			return entry, true
		}
	}
	for _, entry := range entries {
		trimmed := bytes.TrimLeft(entry.Data, " \t\r\n\xef\xbb\xbf")
		if len(trimmed) > 0 && trimmed[0] == '<' {
			return entry, true
		}
	}
	return Entry{}, false
}

// CertificateEntries returns members that carry a signing certificate (.cer, .crt, .pem).
func CertificateEntries(entries []Entry) []Entry {
	var out []Entry
	for _, entry := range entries {
		switch strings.ToLower(path.Ext(entry.Name)) {
		case ".cer", ".crt", ".pem":
			out = append(out, entry)
		}
	}
	return out
}
