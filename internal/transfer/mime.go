package transfer

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/sablecrm/telebridge/internal/wire"
)

// extByMime covers the types the stdlib mime table misses or maps
// ambiguously; used to synthesize a filename when the media record carries
// none.
var extByMime = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"application/pdf": ".pdf",
	"application/zip": ".zip",
	"text/plain":      ".txt",
}

// inferNameAndType picks the filename and content type for a download.
// The filename attribute on the media record wins; without one, a name is
// synthesized from the declared mime type.
func inferNameAndType(media *wire.MediaRef) (name, contentType string) {
	name = media.FileName
	contentType = media.MimeType

	if name != "" {
		if contentType == "" {
			contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return name, contentType
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ext := extByMime[contentType]
	if ext == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".bin"
		}
	}
	return "file-" + media.FileID + ext, contentType
}
