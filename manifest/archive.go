package manifest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

const (
	manifestEntry        = "AndroidManifest.xml"
	defaultMaxEntryBytes = 8 * 1024 * 1024
	signatureHeaderSize  = 262
)

var (
	// ErrNotArchive is returned when a package file is not a ZIP container.
	ErrNotArchive = errors.New("package is not a zip archive")
	// ErrNoManifest is returned when the archive has no AndroidManifest.xml.
	ErrNoManifest = errors.New("archive has no AndroidManifest.xml")
	// ErrBinaryManifest is returned for compiled manifests when no
	// BinaryDecoder is configured.
	ErrBinaryManifest = errors.New("compiled binary manifest requires an external decoder")
	// ErrUnsupportedFormat is returned by Load for unknown file extensions.
	ErrUnsupportedFormat = errors.New("unsupported manifest format")
)

// Decoder produces a Manifest from a file on disk.
type Decoder interface {
	Decode(path string) (*Manifest, error)
}

// BinaryDecoder turns a compiled (AXML) manifest into decoder output.
type BinaryDecoder interface {
	DecodeBinary(data []byte) (*Decoded, error)
}

// Reader loads manifests from dumps, plain XML, or package archives.
type Reader struct {
	Binary        BinaryDecoder
	MaxEntryBytes int64
}

var defaultReader = &Reader{}

// Load decodes path with the default Reader.
func Load(path string) (*Manifest, error) {
	return defaultReader.Decode(path)
}

// ReadArchive decodes a package archive with the default Reader.
func ReadArchive(path string) (*Manifest, error) {
	return defaultReader.ReadArchive(path)
}

// Supported reports whether Load understands the file extension of path.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".xml", ".apk", ".zip":
		return true
	}
	return false
}

// Decode dispatches on the file extension.
func (r *Reader) Decode(path string) (*Manifest, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		m, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	case ".xml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		m, err := ParseXML(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	case ".apk", ".zip":
		return r.ReadArchive(path)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
}

// ReadArchive opens a package archive and decodes its manifest entry.
func (r *Reader) ReadArchive(path string) (*Manifest, error) {
	if err := checkZipSignature(path); err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrNotArchive, err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == manifestEntry {
			entry = f
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoManifest)
	}

	data, err := r.readEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if IsBinaryXML(data) {
		if r.Binary == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrBinaryManifest)
		}
		d, err := r.Binary.DecodeBinary(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return FromDecoded(d), nil
	}
	m, err := ParseXML(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func (r *Reader) readEntry(f *zip.File) ([]byte, error) {
	limit := r.MaxEntryBytes
	if limit <= 0 {
		limit = defaultMaxEntryBytes
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("manifest entry exceeds %d bytes", limit)
	}
	return data, nil
}

// IsBinaryXML reports whether data starts with the compiled XML chunk header
// (RES_XML_TYPE 0x0003, header size 0x0008, little endian).
func IsBinaryXML(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x03 && data[1] == 0x00 && data[2] == 0x08 && data[3] == 0x00
}

// IsZip sniffs the leading bytes of a package.
func IsZip(head []byte) bool {
	return filetype.Is(head, "zip")
}

func checkZipSignature(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, signatureHeaderSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	if !IsZip(head[:n]) {
		return fmt.Errorf("%s: %w", path, ErrNotArchive)
	}
	return nil
}
