package bridge

import (
	"strings"

	"clawgate/internal/domain"
)

const (
	dataImagePrefix  = "data:image/"
	defaultImageMIME = "image/png"
)

// ExtractImages returns the inline data:image/ URLs found in content, in
// order of appearance. Remote URLs are never accepted.
func ExtractImages(content domain.MessageContent) []string {
	if !content.Structured {
		return nil
	}
	var urls []string
	for _, p := range content.Parts {
		if p.Kind != domain.PartImage {
			continue
		}
		if strings.HasPrefix(p.ImageURL, dataImagePrefix) {
			urls = append(urls, p.ImageURL)
		}
	}
	return urls
}

// DecodeDataURL splits a data URL into its MIME type and encoded payload.
// It reports false when the URL has no payload separator.
func DecodeDataURL(u string) (domain.ImageContent, bool) {
	header, data, ok := strings.Cut(u, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return domain.ImageContent{}, false
	}
	mime := strings.TrimPrefix(header, "data:")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" || mime == "image/" {
		mime = defaultImageMIME
	}
	return domain.ImageContent{MIMEType: mime, Data: data}, true
}

// LatestImages decodes the inline images attached to the most recent message.
func LatestImages(msgs []domain.ChatMessage) []domain.ImageContent {
	if len(msgs) == 0 {
		return nil
	}
	var images []domain.ImageContent
	for _, u := range ExtractImages(msgs[len(msgs)-1].Content) {
		if img, ok := DecodeDataURL(u); ok {
			images = append(images, img)
		}
	}
	return images
}
