package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"imagecache/internal/decoder"
	"imagecache/internal/image_cache"
	"imagecache/internal/tiling"
)

func (c *CLI) newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Print the tile grid of an image at a scale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scale, _ := cmd.Flags().GetFloat64("scale")
			tileSize, _ := cmd.Flags().GetInt("tile-size")
			asJSON, _ := cmd.Flags().GetBool("json")

			plan, info, err := planFile(args[0], scale, tileSize)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}

			fmt.Fprintf(out, "%s: %s %dx%d, scaled %dx%d at %g\n",
				args[0], info.Format, info.Width, info.Height, plan.FullWidth, plan.FullHeight, scale)
			fmt.Fprintf(out, "%d rows x %d columns of %dpx tiles\n\n", plan.Rows, plan.Columns, plan.TileSize)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TILE\tX\tY\tWIDTH\tHEIGHT")
			for _, t := range plan.Tiles {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", t.Coordinate, t.Rect.Min.X, t.Rect.Min.Y, t.Rect.Dx(), t.Rect.Dy())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Float64P("scale", "s", 1, "Decode scale")
	cmd.Flags().IntP("tile-size", "t", image_cache.DefaultTileSize, "Tile edge length in pixels")
	cmd.Flags().Bool("json", false, "Print the plan as JSON")
	return cmd
}

// planFile probes the image header only; pixels are never decoded
func planFile(path string, scale float64, tileSize int) (*tiling.TilePlan, decoder.Info, error) {
	if !(scale > 0) {
		return nil, decoder.Info{}, fmt.Errorf("%w: %v", decoder.ErrUnsupportedScale, scale)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, decoder.Info{}, fmt.Errorf("failed to read image: %w", err)
	}

	dec, err := decoder.New(decoder.BackendStd)
	if err != nil {
		return nil, decoder.Info{}, err
	}
	info, err := dec.Probe(data)
	if err != nil {
		return nil, decoder.Info{}, err
	}

	w, h := decoder.ScaledSize(info.Width, info.Height, scale)
	plan, err := tiling.Plan(path, w, h, tileSize)
	if err != nil {
		return nil, decoder.Info{}, err
	}
	return plan, info, nil
}
