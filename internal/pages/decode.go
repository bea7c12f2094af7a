package pages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrNotImage is returned when a page cannot be decoded into pixels.
var ErrNotImage = errors.New("page is not a decodable image")

// Decoder turns page bytes into an image. mime is the page's MIME type as
// derived from its name.
type Decoder func(ctx context.Context, data []byte, mime string) (image.Image, error)

// DefaultDecoder uses the codecs registered with the image package: the
// standard gif, jpeg and png decoders plus bmp, tiff and webp.
func DefaultDecoder(ctx context.Context, data []byte, mime string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrNotImage, mime, err)
	}
	return img, nil
}

// Decode loads index without moving the current page and decodes it.
func (m *Manager) Decode(ctx context.Context, index int) (image.Image, LoadResult, error) {
	data, res, err := m.Get(ctx, index)
	if err != nil {
		return nil, res, err
	}
	img, err := m.decoder(ctx, data, res.MimeType)
	if err != nil {
		return nil, res, err
	}
	return img, res, nil
}
