package constants

import (
	"net/url"
	"path"
	"strings"
)

// Media kinds understood by the messaging APIs
const (
	MediaKindImage    = "image"
	MediaKindVideo    = "video"
	MediaKindAudio    = "audio"
	MediaKindDocument = "document"
)

// extensionKinds maps file extensions to the media kind the providers expect
var extensionKinds = map[string]string{
	// Image formats
	".jpg":  MediaKindImage,
	".jpeg": MediaKindImage,
	".jfif": MediaKindImage,
	".png":  MediaKindImage,
	".gif":  MediaKindImage,
	".webp": MediaKindImage,

	// Video formats
	".mp4": MediaKindVideo,
	".mov": MediaKindVideo,
	".3gp": MediaKindVideo,

	// Audio formats
	".ogg": MediaKindAudio,
	".mp3": MediaKindAudio,
	".aac": MediaKindAudio,
	".m4a": MediaKindAudio,
	".amr": MediaKindAudio,

	// Document formats
	".pdf":  MediaKindDocument,
	".doc":  MediaKindDocument,
	".docx": MediaKindDocument,
	".xls":  MediaKindDocument,
	".xlsx": MediaKindDocument,
	".txt":  MediaKindDocument,
}

// MediaKindFromURL guesses the media kind of a link from its path extension.
// Unknown extensions are sent as documents.
func MediaKindFromURL(link string) string {
	p := link
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		p = u.Path
	}
	if kind, ok := extensionKinds[strings.ToLower(path.Ext(p))]; ok {
		return kind
	}
	return MediaKindDocument
}
