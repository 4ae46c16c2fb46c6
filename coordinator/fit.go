package coordinator

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/sizing"
	"github.com/cockroachdb/errors"
	"golang.org/x/image/draw"
)

// Fitter turns a stored entry into the artifact returned for a request. The
// entry was rendered at a canonical size that covers the request, up to the
// top of the ladder.
type Fitter interface {
	Fit(entry *cache.Entry, requested sizing.Size) (*Artifact, error)
}

// displaySize never exceeds what was rendered, so nothing is upscaled.
func displaySize(rendered, requested sizing.Size) sizing.Size {
	return sizing.Size{
		Width:  min(rendered.Width, requested.Width),
		Height: min(rendered.Height, requested.Height),
	}
}

// ClientFit returns the stored bytes untouched and leaves scaling to the
// viewer through the display size.
type ClientFit struct{}

func (ClientFit) Fit(entry *cache.Entry, requested sizing.Size) (*Artifact, error) {
	display := displaySize(entry.Size, requested)
	return &Artifact{
		Data:          entry.Data,
		ContentType:   entry.ContentType,
		Width:         entry.Size.Width,
		Height:        entry.Size.Height,
		DisplayWidth:  display.Width,
		DisplayHeight: display.Height,
	}, nil
}

// ImageFit scales PNG and JPEG entries down to the display size on the server
// and returns them as PNG. Other content types are fit like ClientFit.
type ImageFit struct {
	// Scaler defaults to draw.CatmullRom.
	Scaler draw.Scaler
}

func (f ImageFit) Fit(entry *cache.Entry, requested sizing.Size) (*Artifact, error) {
	display := displaySize(entry.Size, requested)
	if display == entry.Size || (entry.ContentType != "image/png" && entry.ContentType != "image/jpeg") {
		return ClientFit{}.Fit(entry, requested)
	}
	src, _, err := image.Decode(bytes.NewReader(entry.Data))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", entry.ContentType)
	}
	scaler := f.Scaler
	if scaler == nil {
		scaler = draw.CatmullRom
	}
	dst := image.NewRGBA(image.Rect(0, 0, display.Width, display.Height))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return &Artifact{
		Data:          buf.Bytes(),
		ContentType:   "image/png",
		Width:         display.Width,
		Height:        display.Height,
		DisplayWidth:  display.Width,
		DisplayHeight: display.Height,
	}, nil
}
