package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"clawgate/internal/domain"
)

const pngURL = "data:image/png;base64,iVBORw0KGgo="

func TestExtractImages(t *testing.T) {
	msgs := parseMessages(t, `[{"role":"user","content":[
		{"type":"text","text":"look"},
		{"type":"image_url","image_url":{"url":"`+pngURL+`"}},
		{"type":"image_url","image_url":"https://example.com/remote.png"},
		{"type":"input_image","image_url":"data:image/jpeg;base64,/9j/"},
		{"type":"image","url":"data:image/gif;base64,R0lG"}
	]}]`)

	got := ExtractImages(msgs[0].Content)
	assert.Equal(t, []string{pngURL, "data:image/jpeg;base64,/9j/", "data:image/gif;base64,R0lG"}, got)
}

func TestExtractImagesPlainText(t *testing.T) {
	msgs := parseMessages(t, `[{"role":"user","content":"`+pngURL+`"}]`)
	assert.Empty(t, ExtractImages(msgs[0].Content))
}

func TestDecodeDataURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want domain.ImageContent
		ok   bool
	}{
		{"png", pngURL, domain.ImageContent{MIMEType: "image/png", Data: "iVBORw0KGgo="}, true},
		{"params", "data:image/webp;charset=x;base64,AAA", domain.ImageContent{MIMEType: "image/webp", Data: "AAA"}, true},
		{"no mime", "data:;base64,AAA", domain.ImageContent{MIMEType: "image/png", Data: "AAA"}, true},
		{"no comma", "data:image/png;base64", domain.ImageContent{}, false},
		{"not data", "https://x/y.png", domain.ImageContent{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeDataURL(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLatestImagesUsesLastMessageOnly(t *testing.T) {
	msgs := parseMessages(t, `[
		{"role":"user","content":[{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,OLD"}}]},
		{"role":"user","content":[{"type":"text","text":"now"},{"type":"image_url","image_url":{"url":"`+pngURL+`"}}]}
	]`)

	got := LatestImages(msgs)
	assert.Equal(t, []domain.ImageContent{{MIMEType: "image/png", Data: "iVBORw0KGgo="}}, got)
	assert.Nil(t, LatestImages(nil))
}
