// Package media classifies page files by name and provides the ordering used
// to turn a directory listing or archive index into a page sequence.
package media

import (
	"path"
	"strings"
)

// ContentType is the kind of content a page holds.
type ContentType string

const (
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAnimated ContentType = "animated"
	ContentArchive  ContentType = "archive"
	ContentUnknown  ContentType = "unknown"
)

var extTypes = map[string]ContentType{
	"jpg":  ContentImage,
	"jpeg": ContentImage,
	"png":  ContentImage,
	"webp": ContentImage,
	"avif": ContentImage,
	"jxl":  ContentImage,
	"bmp":  ContentImage,
	"tif":  ContentImage,
	"tiff": ContentImage,
	"gif":  ContentAnimated,
	"mp4":  ContentVideo,
	"mkv":  ContentVideo,
	"webm": ContentVideo,
	"avi":  ContentVideo,
	"mov":  ContentVideo,
	"wmv":  ContentVideo,
	"flv":  ContentVideo,
	"zip":  ContentArchive,
	"cbz":  ContentArchive,
	"rar":  ContentArchive,
	"cbr":  ContentArchive,
	"7z":   ContentArchive,
	"cb7":  ContentArchive,
}

var mimeTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"avif": "image/avif",
	"jxl":  "image/jxl",
	"bmp":  "image/bmp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"mp4":  "video/mp4",
	"mkv":  "video/x-matroska",
	"webm": "video/webm",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
	"wmv":  "video/x-ms-wmv",
	"flv":  "video/x-flv",
}

// Ext returns the lower-cased extension of name without the leading dot.
// Backslash separators are treated like slashes so archive entry names
// written on Windows classify the same way.
func Ext(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// Classify returns the content type for a file name.
func Classify(name string) ContentType {
	if t, ok := extTypes[Ext(name)]; ok {
		return t
	}
	return ContentUnknown
}

// IsPage reports whether name is something a reader can display as a page.
func IsPage(name string) bool {
	switch Classify(name) {
	case ContentImage, ContentAnimated, ContentVideo:
		return true
	}
	return false
}

// IsImage reports whether name is a still or animated image.
func IsImage(name string) bool {
	t := Classify(name)
	return t == ContentImage || t == ContentAnimated
}

// IsVideo reports whether name is a video.
func IsVideo(name string) bool {
	return Classify(name) == ContentVideo
}

// MimeType returns the MIME type for name, or application/octet-stream.
func MimeType(name string) string {
	if m, ok := mimeTypes[Ext(name)]; ok {
		return m
	}
	return "application/octet-stream"
}
