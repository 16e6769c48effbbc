package blobstore

import (
	"net/http"
	"path/filepath"
	"strings"
)

// SniffLen is how many leading bytes DetectImageType inspects.
const SniffLen = 512

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
}

// DetectImageType checks filename and the leading bytes of the upload and
// returns the content type to store. The client's declared type is ignored.
func DetectImageType(filename string, head []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	byExt, ok := extensionTypes[ext]
	if !ok {
		return "", ErrUnsupportedType
	}

	detected := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(detected, "text/"),
		strings.HasPrefix(detected, "application/xml"),
		strings.HasPrefix(detected, "application/xhtml"),
		detected == "image/svg+xml":
		return "", ErrUnsupportedType
	case detected == "application/octet-stream" && byExt == "image/heic":
		// HEIC is not in the stdlib sniff table.
		return byExt, nil
	}

	if _, ok := imageExtensions[detected]; ok {
		return detected, nil
	}
	return "", ErrUnsupportedType
}
