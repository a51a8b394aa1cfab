package tiling

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

// DefaultPlaceholder is the fill used for tiles that are not decoded yet
var DefaultPlaceholder = color.NRGBA{R: 221, G: 221, B: 221, A: 255} // #ddd

type TileStatus int

const (
	TilePending TileStatus = iota
	TilePresent
)

func (s TileStatus) String() string {
	if s == TilePresent {
		return "present"
	}
	return "pending"
}

type ComposeOptions struct {
	Placeholder color.Color
}

// Composite is the best currently available rendering of a region of a plan.
// Pending tiles are painted with the placeholder color.
type Composite struct {
	Plan    *TilePlan
	Region  image.Rectangle
	Image   *image.NRGBA
	Present []TileCoordinate
	Pending []TileCoordinate

	status map[TileCoordinate]TileStatus
}

// Complete reports whether every tile of the region had pixel data
func (c *Composite) Complete() bool {
	return len(c.Pending) == 0
}

// Status reports whether a tile was present when the composite was built.
// Coordinates outside the composite region report TilePending.
func (c *Composite) Status(coord TileCoordinate) TileStatus {
	return c.status[coord]
}

// Compose renders the whole plan from the tiles currently available
func Compose(plan *TilePlan, available map[TileCoordinate]image.Image, opts ComposeOptions) *Composite {
	return ComposeRegion(plan, plan.Bounds(), available, opts)
}

// ComposeRegion renders region (clipped to the image) from the tiles currently available.
// It never waits for missing tiles: they are reported in Pending so the caller can schedule them.
func ComposeRegion(plan *TilePlan, region image.Rectangle, available map[TileCoordinate]image.Image, opts ComposeOptions) *Composite {
	region = region.Intersect(plan.Bounds())

	placeholder := opts.Placeholder
	if placeholder == nil {
		placeholder = DefaultPlaceholder
	}

	comp := &Composite{
		Plan:   plan,
		Region: region,
		status: make(map[TileCoordinate]TileStatus),
	}
	if region.Empty() {
		comp.Image = image.NewNRGBA(image.Rectangle{})
		return comp
	}

	canvas := imaging.New(region.Dx(), region.Dy(), placeholder)

	for _, tile := range plan.Intersecting(region) {
		img, ok := available[tile.Coordinate]
		if !ok || img == nil {
			comp.Pending = append(comp.Pending, tile.Coordinate)
			comp.status[tile.Coordinate] = TilePending
			continue
		}

		// Part of the tile that falls inside the region, in source image coordinates
		visible := tile.Rect.Intersect(region)
		dst := visible.Sub(region.Min)
		src := img.Bounds().Min.Add(visible.Min.Sub(tile.Rect.Min))
		draw.Draw(canvas, dst, img, src, draw.Src)

		comp.Present = append(comp.Present, tile.Coordinate)
		comp.status[tile.Coordinate] = TilePresent
	}

	comp.Image = canvas
	return comp
}

// ParsePlaceholder parses a hex color such as "#ddd" or "#dddddd"
func ParsePlaceholder(hex string) (color.NRGBA, error) {
	c, err := colorful.Hex(expandShortHex(hex))
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid placeholder color %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

func expandShortHex(hex string) string {
	if len(hex) == 4 && hex[0] == '#' {
		return string([]byte{'#', hex[1], hex[1], hex[2], hex[2], hex[3], hex[3]})
	}
	return hex
}
