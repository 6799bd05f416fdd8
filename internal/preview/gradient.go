package preview

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/keithlinneman/linnemanlabs-edge/internal/assetcache"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/xerrors"
)

// Card dimensions match the og:image aspect ratio.
const (
	cardWidth  = 1200
	cardHeight = 630
)

// brand palette, top to bottom
var (
	navyTop    = color.NRGBA{R: 9, G: 23, B: 48, A: 255}
	navyBottom = color.NRGBA{R: 36, G: 12, B: 64, A: 255}
)

// GradientRenderer is the default renderer: a vertical brand gradient with
// an optional overlay image composited bottom-right. It exists so the edge
// service works standalone; a richer pipeline can replace it behind the
// Renderer interface without touching the trust layer.
type GradientRenderer struct {
	// Assets supplies the overlay; nil disables compositing.
	Assets *assetcache.Cache
	// OverlayKey is the object key of the brand overlay PNG.
	OverlayKey string
}

func (g *GradientRenderer) Render(ctx context.Context, spec Spec) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, cardWidth, cardHeight))

	for y := 0; y < cardHeight; y++ {
		t := float64(y) / float64(cardHeight-1)
		c := lerpColor(navyTop, navyBottom, t)
		for x := 0; x < cardWidth; x++ {
			img.SetNRGBA(x, y, c)
		}
	}

	if g.Assets != nil && g.OverlayKey != "" {
		if err := g.composite(ctx, img); err != nil {
			// a missing overlay degrades the image, not the request
			log.FromContext(ctx).Warn(ctx, "preview overlay unavailable, rendering without",
				"overlay_key", g.OverlayKey, "err", err.Error())
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, xerrors.Wrap(err, "preview: encode png")
	}
	return buf.Bytes(), nil
}

func (g *GradientRenderer) composite(ctx context.Context, dst *image.NRGBA) error {
	raw, err := g.Assets.Get(ctx, g.OverlayKey)
	if err != nil {
		return err
	}
	overlay, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return xerrors.Wrap(err, "preview: decode overlay")
	}
	ob := overlay.Bounds()
	// bottom-right corner with a fixed margin
	const margin = 48
	offset := image.Pt(cardWidth-ob.Dx()-margin, cardHeight-ob.Dy()-margin)
	draw.Draw(dst, ob.Add(offset), overlay, ob.Min, draw.Over)
	return nil
}

func lerpColor(a, b color.NRGBA, t float64) color.NRGBA {
	lerp := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*t)
	}
	return color.NRGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}
