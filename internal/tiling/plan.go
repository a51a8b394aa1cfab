package tiling

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
)

var ErrInvalidDimensions = errors.New("width, height and tile size must be positive")

// TileCoordinate identifies one cell of a tile grid
type TileCoordinate struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

func (c TileCoordinate) String() string {
	return fmt.Sprintf("r%d_c%d", c.Row, c.Column)
}

// TileDescriptor places a tile coordinate on the source image in pixels
type TileDescriptor struct {
	Coordinate TileCoordinate  `json:"coordinate"`
	Rect       image.Rectangle `json:"-"`
}

func (d TileDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Coordinate TileCoordinate `json:"coordinate"`
		X          int            `json:"x"`
		Y          int            `json:"y"`
		Width      int            `json:"width"`
		Height     int            `json:"height"`
	}{d.Coordinate, d.Rect.Min.X, d.Rect.Min.Y, d.Rect.Dx(), d.Rect.Dy()})
}

// TilePlan is the grid a source image is split into.
// Tiles are stored row-major so Tiles[row*Columns+column] is the tile at (row, column).
type TilePlan struct {
	SourcePath string           `json:"source_path"`
	FullWidth  int              `json:"full_width"`
	FullHeight int              `json:"full_height"`
	TileSize   int              `json:"tile_size"`
	Rows       int              `json:"rows"`
	Columns    int              `json:"columns"`
	Tiles      []TileDescriptor `json:"tiles"`
}

// Plan partitions a fullWidth x fullHeight image into tiles of at most tileSize pixels per side.
// Images that fit in a single tile get a one-tile plan covering the whole image.
func Plan(sourcePath string, fullWidth, fullHeight, tileSize int) (*TilePlan, error) {
	if fullWidth <= 0 || fullHeight <= 0 || tileSize <= 0 {
		return nil, fmt.Errorf("%w: %dx%d tile %d", ErrInvalidDimensions, fullWidth, fullHeight, tileSize)
	}

	rows := ceilDiv(fullHeight, tileSize)
	columns := ceilDiv(fullWidth, tileSize)

	plan := &TilePlan{
		SourcePath: sourcePath,
		FullWidth:  fullWidth,
		FullHeight: fullHeight,
		TileSize:   tileSize,
		Rows:       rows,
		Columns:    columns,
		Tiles:      make([]TileDescriptor, 0, rows*columns),
	}

	for row := 0; row < rows; row++ {
		y0 := row * tileSize
		y1 := min(y0+tileSize, fullHeight)
		for col := 0; col < columns; col++ {
			x0 := col * tileSize
			x1 := min(x0+tileSize, fullWidth)
			plan.Tiles = append(plan.Tiles, TileDescriptor{
				Coordinate: TileCoordinate{Row: row, Column: col},
				Rect:       image.Rect(x0, y0, x1, y1),
			})
		}
	}

	return plan, nil
}

// Bounds returns the rectangle covered by the whole plan
func (p *TilePlan) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.FullWidth, p.FullHeight)
}

// Single reports whether the plan is a single tile covering the whole image
func (p *TilePlan) Single() bool {
	return len(p.Tiles) == 1
}

// Tile looks up the descriptor for a coordinate
func (p *TilePlan) Tile(coord TileCoordinate) (TileDescriptor, bool) {
	if coord.Row < 0 || coord.Row >= p.Rows || coord.Column < 0 || coord.Column >= p.Columns {
		return TileDescriptor{}, false
	}
	return p.Tiles[coord.Row*p.Columns+coord.Column], true
}

// Intersecting returns the tiles overlapping region in row-major order.
// The region is clipped to the image first; an empty result means no overlap.
func (p *TilePlan) Intersecting(region image.Rectangle) []TileDescriptor {
	region = region.Intersect(p.Bounds())
	if region.Empty() {
		return nil
	}

	firstRow := region.Min.Y / p.TileSize
	lastRow := (region.Max.Y - 1) / p.TileSize
	firstCol := region.Min.X / p.TileSize
	lastCol := (region.Max.X - 1) / p.TileSize

	tiles := make([]TileDescriptor, 0, (lastRow-firstRow+1)*(lastCol-firstCol+1))
	for row := firstRow; row <= lastRow; row++ {
		for col := firstCol; col <= lastCol; col++ {
			tiles = append(tiles, p.Tiles[row*p.Columns+col])
		}
	}
	return tiles
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
