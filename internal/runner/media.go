package runner

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/providers"
)

const (
	// maxImageEdge is the long-edge cap before provider upload; vision APIs
	// downscale anyway, resizing here saves tokens and bandwidth.
	maxImageEdge = 1568

	maxAttachmentBytes = 10 * 1024 * 1024
)

// imagesFromAttachments converts inbound image attachments to provider image
// content, downscaling oversized ones. Non-images and undecodable payloads
// pass through untouched or are skipped.
func imagesFromAttachments(atts []events.Attachment) []providers.ImageContent {
	var out []providers.ImageContent
	for _, a := range atts {
		if !strings.HasPrefix(a.MimeType, "image/") || len(a.Data) == 0 {
			continue
		}
		if len(a.Data) > maxAttachmentBytes {
			slog.Warn("image attachment too large, skipping", "name", a.Name, "bytes", len(a.Data))
			continue
		}
		data, mime := downscaleImage(a.Data, a.MimeType)
		out = append(out, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

// downscaleImage fits an image inside maxImageEdge². Formats imaging cannot
// decode (webp and friends) are forwarded as-is.
func downscaleImage(data []byte, mime string) ([]byte, string) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, mime
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageEdge && bounds.Dy() <= maxImageEdge {
		return data, mime
	}

	resized := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if mime == "image/png" {
		if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
			return data, mime
		}
		return buf.Bytes(), "image/png"
	}
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return data, mime
	}
	return buf.Bytes(), "image/jpeg"
}
