package service

import (
	"slices"
	"strings"

	"bitwise74/content-api/pkg/validators"
)

// Types that are never skipped, whatever they claim to be
var (
	archiveMimeTypes = []string{
		"application/zip",
		"application/x-zip-compressed",
		"application/vnd.rar",
		"application/x-rar-compressed",
		"application/x-7z-compressed",
		"application/gzip",
		"application/x-gzip",
		"application/x-tar",
		"application/x-bzip2",
		"application/x-xz",
		"application/java-archive",
		"application/vnd.android.package-archive",
	}

	executableMimeTypes = []string{
		"application/vnd.microsoft.portable-executable",
		"application/x-msdownload",
		"application/x-dosexec",
		"application/x-executable",
		"application/x-elf",
		"application/x-sharedlib",
		"application/x-mach-binary",
		"application/x-msi",
		"application/x-ms-installer",
		"application/x-sh",
		"application/x-shellscript",
		"text/x-shellscript",
		"application/javascript",
		"text/javascript",
	}

	// Formats simple enough to be trusted once their content matches
	safeMimeTypes = []string{
		"text/plain",
		"text/csv",
		"application/json",
		"image/jpeg",
		"image/png",
		"image/gif",
		"image/webp",
	}
)

func baseMime(m string) string {
	m, _, _ = strings.Cut(strings.ToLower(strings.TrimSpace(m)), ";")
	return strings.TrimSpace(m)
}

// NeedsScan decides whether a file goes through the malware scanner.
// declared is the content type the client or storage reported, sniffed is
// what the content looks like and may be empty when it couldn't be read.
func NeedsScan(filename, declared, sniffed string) bool {
	if validators.IsExecutableExt(filename) {
		return true
	}

	declared, sniffed = baseMime(declared), baseMime(sniffed)

	for _, m := range []string{declared, sniffed} {
		if slices.Contains(archiveMimeTypes, m) || slices.Contains(executableMimeTypes, m) {
			return true
		}
	}

	if !slices.Contains(safeMimeTypes, declared) {
		return true
	}

	// An image that sniffs as anything else isn't an image
	return sniffed != "" && !slices.Contains(safeMimeTypes, sniffed)
}
