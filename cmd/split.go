package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/tessera-io/tessera/pkg/config"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/translator"
)

// PieceLayout is one line of the split command's output.
type PieceLayout struct {
	Piece  string `json:"piece"`
	Extent string `json:"extent"`
	Size   int    `json:"size"`
}

// NewSplitCommand returns the command that prints the extent of every piece
// of a whole extent.
func NewSplitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Print the extent of every piece of a whole extent",
		Long:  "Print, as YAML, the extent every piece would compute when the whole extent is split into the given number of pieces.",
		RunE:  split,
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.String("whole-extent", config.DefaultWholeExtent, "the whole extent as comma separated min:max pairs")
	flags.Int("pieces", config.DefaultPieces, "the number of pieces")
	flags.String("split-mode", translator.Block.String(), "how pieces are cut: 'block', 'x-slab', 'y-slab' or 'z-slab'")
	flags.Int("ghost-levels", 0, "the number of ghost layers added around each piece")

	return cmd
}

func split(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	wholeText, _ := flags.GetString("whole-extent")
	pieces, _ := flags.GetInt("pieces")
	modeText, _ := flags.GetString("split-mode")
	ghostLevels, _ := flags.GetInt("ghost-levels")

	whole, err := extent.Parse(wholeText)
	if err != nil {
		return err
	}
	mode, err := translator.ParseMode(modeText)
	if err != nil {
		return err
	}

	t := translator.PieceTranslator{Mode: mode}
	layout := make([]PieceLayout, 0, max(pieces, 0))
	for i := range pieces {
		piece := extent.Piece{Index: i, Count: pieces, GhostLevel: ghostLevels}
		ext, err := t.Translate(cmd.Context(), whole, piece)
		if err != nil {
			return err
		}
		layout = append(layout, PieceLayout{Piece: piece.String(), Extent: ext.String(), Size: ext.Size()})
	}
	if len(layout) == 0 {
		return fmt.Errorf("invalid piece count %d", pieces)
	}

	out, err := yaml.Marshal(layout)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
