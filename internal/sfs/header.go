// Package sfs handles SquashFS package images: header parsing, naming
// rules, the versioned slot layout and atomic replacement.
package sfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Magic is the SquashFS superblock signature.
var Magic = []byte("hsqs")

// HeaderSize covers the magic and the creation stamp.
const HeaderSize = 12

var ErrNotPackage = errors.New("not a squashfs package")

// ParseHeader validates the magic and returns the creation stamp stored
// little-endian at offset 8.
func ParseHeader(b []byte) (uint32, error) {
	if len(b) < HeaderSize || !bytes.Equal(b[:4], Magic) {
		return 0, ErrNotPackage
	}
	return binary.LittleEndian.Uint32(b[8:12]), nil
}

// ReadStamp reads the creation stamp from the start of r.
func ReadStamp(r io.Reader) (uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrNotPackage
		}
		return 0, err
	}
	return ParseHeader(buf)
}

// FileStamp reads the creation stamp of the image at path.
func FileStamp(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	stamp, err := ReadStamp(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return stamp, nil
}

// StampTime renders a creation stamp as UTC time.
func StampTime(stamp uint32) time.Time {
	return time.Unix(int64(stamp), 0).UTC()
}

// FormatStamp renders a stamp the way log lines and listings show it.
func FormatStamp(stamp uint32) string {
	return StampTime(stamp).Format("2006-01-02 15:04:05")
}
