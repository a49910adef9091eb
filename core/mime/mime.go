// Package mime maps file extensions to content types.
package mime

import (
	stdmime "mime"
	"path/filepath"
	"strings"
)

// DefaultType is returned when no mapping exists for an extension.
const DefaultType = "application/octet-stream"

// types holds the extensions a static server meets most often. Anything
// missing falls back to the platform registry.
var types = map[string]string{
	"3gp":   "video/3gpp",
	"3g2":   "video/3gpp2",
	"7z":    "application/x-7z-compressed",
	"aac":   "audio/x-aac",
	"aif":   "audio/x-aiff",
	"apk":   "application/vnd.android.package-archive",
	"avi":   "video/x-msvideo",
	"avif":  "image/avif",
	"bin":   "application/octet-stream",
	"bmp":   "image/bmp",
	"bz2":   "application/x-bzip2",
	"c":     "text/x-c",
	"css":   "text/css",
	"csv":   "text/csv",
	"deb":   "application/x-debian-package",
	"dmg":   "application/x-apple-diskimage",
	"doc":   "application/msword",
	"docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"eot":   "application/vnd.ms-fontobject",
	"epub":  "application/epub+zip",
	"exe":   "application/x-msdownload",
	"flac":  "audio/flac",
	"flv":   "video/x-flv",
	"gif":   "image/gif",
	"gz":    "application/gzip",
	"htm":   "text/html",
	"html":  "text/html",
	"ico":   "image/x-icon",
	"ics":   "text/calendar",
	"jar":   "application/java-archive",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "application/javascript",
	"json":  "application/json",
	"m3u":   "audio/x-mpegurl",
	"m3u8":  "application/vnd.apple.mpegurl",
	"m4a":   "audio/mp4",
	"m4v":   "video/x-m4v",
	"md":    "text/markdown",
	"mid":   "audio/midi",
	"mjs":   "application/javascript",
	"mkv":   "video/x-matroska",
	"mov":   "video/quicktime",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"mp4a":  "audio/mp4",
	"mpeg":  "video/mpeg",
	"mpga":  "audio/mpeg",
	"oga":   "audio/ogg",
	"ogg":   "audio/ogg",
	"ogv":   "video/ogg",
	"ogx":   "application/ogg",
	"opus":  "audio/opus",
	"otf":   "font/otf",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"ppt":   "application/vnd.ms-powerpoint",
	"pptx":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"rar":   "application/vnd.rar",
	"rtf":   "application/rtf",
	"sh":    "application/x-sh",
	"svg":   "image/svg+xml",
	"swf":   "application/x-shockwave-flash",
	"tar":   "application/x-tar",
	"tif":   "image/tiff",
	"tiff":  "image/tiff",
	"ts":    "video/mp2t",
	"ttf":   "font/ttf",
	"txt":   "text/plain",
	"wasm":  "application/wasm",
	"wav":   "audio/wav",
	"weba":  "audio/webm",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"wma":   "audio/x-ms-wma",
	"wmv":   "video/x-ms-wmv",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xls":   "application/vnd.ms-excel",
	"xlsx":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"xml":   "application/xml",
	"zip":   "application/zip",
}

// TypeByExtension returns the content type for ext, with or without the
// leading dot. Unknown extensions yield DefaultType.
func TypeByExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return DefaultType
	}
	if t, ok := types[ext]; ok {
		return t
	}
	if t := stdmime.TypeByExtension("." + ext); t != "" {
		return t
	}
	return DefaultType
}

// TypeByPath returns the content type for the extension of p.
func TypeByPath(p string) string {
	return TypeByExtension(filepath.Ext(p))
}

// IsMedia reports whether contentType is an audio or video type.
func IsMedia(contentType string) bool {
	return strings.HasPrefix(contentType, "audio/") || strings.HasPrefix(contentType, "video/")
}
