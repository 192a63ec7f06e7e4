// Package validators checks user supplied upload parameters
package validators

import (
	"errors"
	"path"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

var (
	ErrFileTooLarge        = errors.New("file too large")
	ErrInvalidFileName     = errors.New("invalid file name")
	ErrFileTypeUnsupported = errors.New("unsupported file type")
	ErrMimeTypeUnsupported = errors.New("unsupported mime type")
)

const MaxFileNameSize = 255

var (
	unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)
	underscores = regexp.MustCompile(`_{2,}`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Extensions that can run code on a client machine when opened
var executableExtensions = []string{
	".exe", ".scr", ".bat", ".cmd", ".com", ".pif", ".vbs", ".vbe", ".js", ".jse",
	".wsf", ".wsh", ".msi", ".msp", ".dll", ".cpl", ".hta", ".jar", ".ps1", ".psm1",
	".reg", ".lnk", ".sh", ".app", ".apk", ".deb", ".rpm", ".gadget", ".inf",
}

type SizeLimits struct {
	Default int64
	Video   int64
}

// SanitizeFileName strips directories from name, collapses whitespace into
// underscores and replaces anything that isn't a letter, digit, dot,
// underscore or dash.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}

	name = whitespace.ReplaceAllString(name, "_")
	name = unsafeChars.ReplaceAllString(name, "_")
	name = underscores.ReplaceAllString(name, "_")

	// No hidden files or names made only of dots
	name = strings.TrimLeft(name, "._")
	if strings.Trim(name, ".") == "" {
		return ""
	}

	return name
}

// FileName sanitizes name and makes sure something usable is left
func FileName(name string) (string, error) {
	clean := SanitizeFileName(name)
	if clean == "" || utf8.RuneCountInString(clean) > MaxFileNameSize {
		return "", ErrInvalidFileName
	}

	return clean, nil
}

// SplitExt returns the base name and the lowercased extension of name
func SplitExt(name string) (string, string) {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext), strings.ToLower(ext)
}

func IsExecutableExt(name string) bool {
	_, ext := SplitExt(name)
	return slices.Contains(executableExtensions, ext)
}

func Extension(name string) error {
	if IsExecutableExt(name) {
		return ErrFileTypeUnsupported
	}

	return nil
}

func Size(size int64, mimeType string, l SizeLimits) error {
	limit := l.Default
	if strings.HasPrefix(strings.ToLower(mimeType), "video/") && l.Video > 0 {
		limit = l.Video
	}

	if size <= 0 || size > limit {
		return ErrFileTooLarge
	}

	return nil
}

// MimeType checks mimeType against allowed. An empty list allows
// everything. Entries ending in /* match a whole family.
func MimeType(mimeType string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}

	mt, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))

		if family, ok := strings.CutSuffix(a, "/*"); ok {
			if strings.HasPrefix(mt, family+"/") {
				return nil
			}
			continue
		}

		if a == mt {
			return nil
		}
	}

	return ErrMimeTypeUnsupported
}
