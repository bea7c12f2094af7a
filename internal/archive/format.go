package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Format is the closed set of container formats the accessor understands.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatRar
	FormatSevenZip
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatRar:
		return "rar"
	case FormatSevenZip:
		return "7z"
	default:
		return "unknown"
	}
}

// RandomAccess reports whether single entries can be read without decoding
// the entries before them.
func (f Format) RandomAccess() bool {
	switch f {
	case FormatZip:
		return true
	case FormatRar, FormatSevenZip:
		return false
	default:
		return false
	}
}

var formatExtensions = map[string]Format{
	".zip": FormatZip,
	".cbz": FormatZip,
	".rar": FormatRar,
	".cbr": FormatRar,
	".7z":  FormatSevenZip,
	".cb7": FormatSevenZip,
}

var formatMagic = []struct {
	format Format
	magic  []byte
}{
	{FormatZip, []byte("PK\x03\x04")},
	{FormatZip, []byte("PK\x05\x06")}, // empty zip
	{FormatRar, []byte("Rar!\x1a\x07")},
	{FormatSevenZip, []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}},
}

// FormatFromName returns the format implied by a file extension.
func FormatFromName(name string) Format {
	return formatExtensions[lowerExt(name)]
}

// IsArchive reports whether name has a known container extension.
func IsArchive(name string) bool {
	return FormatFromName(name) != FormatUnknown
}

// DetectFormat identifies a container by its extension, falling back to the
// leading magic bytes for misnamed files.
func DetectFormat(path string) (Format, error) {
	if f := FormatFromName(path); f != FormatUnknown {
		return f, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return FormatUnknown, classify(path, err)
	}
	defer file.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, classify(path, err)
	}
	if f := detectMagic(head[:n]); f != FormatUnknown {
		return f, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

func detectMagic(head []byte) Format {
	for _, sig := range formatMagic {
		if bytes.HasPrefix(head, sig.magic) {
			return sig.format
		}
	}
	return FormatUnknown
}
