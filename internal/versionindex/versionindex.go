// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package versionindex encodes and decodes the line-oriented text format
// used for a repository's version files.
package versionindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"

	"github.com/nishisan-dev/n-sync/internal/protocol"
)

// lineGrammar matches one encoded entry: a JSON-quoted 40-hex checksum, a
// decimal size, and a JSON-quoted path, separated by runs of whitespace.
var lineGrammar = regexp.MustCompile(`^("[0-9a-f]{40}")\s+(\d+)\s+(".*")\s*$`)

// Encode writes items to w in canonical form: sorted by path ascending,
// one line per item as `"<checksum>" <10-digit-size> "<path>"`. An empty
// slice produces zero bytes.
func Encode(w io.Writer, items []protocol.FileItem) error {
	sorted := make([]protocol.FileItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	bw := bufio.NewWriter(w)
	for _, item := range sorted {
		line, err := encodeLine(item)
		if err != nil {
			return err
		}
		if _, err := bw.WriteString(line); err != nil {
			return fmt.Errorf("versionindex: writing line: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("versionindex: writing line: %w", err)
		}
	}
	return bw.Flush()
}

func encodeLine(item protocol.FileItem) (string, error) {
	if len(item.Checksum) != protocol.ChecksumLen {
		return "", fmt.Errorf("versionindex: checksum %q is not %d hex characters", item.Checksum, protocol.ChecksumLen)
	}
	checksumJSON, err := json.Marshal(item.Checksum)
	if err != nil {
		return "", fmt.Errorf("versionindex: encoding checksum: %w", err)
	}
	pathJSON, err := json.Marshal(item.Path)
	if err != nil {
		return "", fmt.Errorf("versionindex: encoding path: %w", err)
	}
	return fmt.Sprintf("%s %10d %s", checksumJSON, item.Size, pathJSON), nil
}

// Decode reads a version file and returns its set of FileItems. The empty
// file decodes to an empty (non-nil) slice. A malformed line is reported
// with its 1-based line number.
func Decode(r io.Reader) ([]protocol.FileItem, error) {
	items := make([]protocol.FileItem, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		item, err := decodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("versionindex: line %d: %w", lineNo, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("versionindex: reading: %w", err)
	}
	return items, nil
}

func decodeLine(line string) (protocol.FileItem, error) {
	m := lineGrammar.FindStringSubmatch(line)
	if m == nil {
		return protocol.FileItem{}, fmt.Errorf("malformed entry: %q", line)
	}

	var checksum string
	if err := json.Unmarshal([]byte(m[1]), &checksum); err != nil {
		return protocol.FileItem{}, fmt.Errorf("malformed checksum: %w", err)
	}
	size, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return protocol.FileItem{}, fmt.Errorf("malformed size: %w", err)
	}
	var path string
	if err := json.Unmarshal([]byte(m[3]), &path); err != nil {
		return protocol.FileItem{}, fmt.Errorf("malformed path: %w", err)
	}

	return protocol.FileItem{Path: path, Checksum: checksum, Size: size}, nil
}
