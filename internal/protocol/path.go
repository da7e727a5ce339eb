// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"strings"
)

// ValidatePath checks a FileItem.Path against the normalized-relative-
// path invariants: forward-slash separators, no leading slash, no
// trailing slash, and no "." or ".." component.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: %q contains a null byte", ErrInvalidPath, path)
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q has a leading slash", ErrInvalidPath, path)
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q has a trailing slash", ErrInvalidPath, path)
	}
	if strings.Contains(path, "\\") {
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidPath, path)
	}

	for _, component := range strings.Split(path, "/") {
		switch component {
		case "":
			return fmt.Errorf("%w: %q has an empty path component", ErrInvalidPath, path)
		case ".", "..":
			return fmt.Errorf("%w: %q contains a %q component", ErrInvalidPath, path, component)
		}
	}
	return nil
}
