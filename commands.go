package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"idealsize/core"
	"idealsize/db"
	"idealsize/imageprep"
	"idealsize/node"
	"idealsize/sizing"

	"github.com/fatih/color"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var (
	sizeColor  = color.New(color.FgGreen, color.Bold)
	labelColor = color.New(color.FgCyan)
)

func computeCommand() *cli.Command {
	return &cli.Command{
		Name:  "compute",
		Usage: "Computes the ideal generation size for a target size and model family",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "width", Aliases: []string{"W"}, Value: core.DefaultWidth, Usage: "target `WIDTH` in pixels (default from IDEAL_SIZE_DEFAULT_WIDTH)"},
			&cli.IntFlag{Name: "height", Aliases: []string{"H"}, Value: core.DefaultHeight, Usage: "target `HEIGHT` in pixels (default from IDEAL_SIZE_DEFAULT_HEIGHT)"},
			&cli.StringFlag{Name: "family", Aliases: []string{"f"}, Usage: "model `FAMILY` tag (sd-1, sd-2, sdxl, ...)"},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "resolve the family from catalog model `KEY`"},
			&cli.FloatFlag{Name: "multiplier", Aliases: []string{"x"}, Value: core.DefaultMultiplier, Usage: "scale of the native dimension"},
			&cli.StringFlag{Name: "node-version", Usage: "ideal_size node `VERSION` (default newest)"},
			&cli.BoolFlag{Name: "json", Usage: "print the output record as JSON"},
		},
		Action: runCompute,
	}
}

// computeInputs builds the node payload from flags, falling back to configured defaults.
func computeInputs(cmd *cli.Command, cfg *core.Config) map[string]interface{} {
	width, height, multiplier := cfg.DefaultWidth, cfg.DefaultHeight, cfg.DefaultMultiplier
	if cmd.IsSet("width") {
		width = cmd.Int("width")
	}
	if cmd.IsSet("height") {
		height = cmd.Int("height")
	}
	if cmd.IsSet("multiplier") {
		multiplier = cmd.Float("multiplier")
	}

	inputs := map[string]interface{}{
		"width":      width,
		"height":     height,
		"multiplier": multiplier,
	}
	if family, key := cmd.String("family"), cmd.String("model"); family != "" || key != "" {
		inputs["unet"] = node.UNetField{UNet: node.ModelField{Key: key, BaseModel: family}}
	}
	return inputs
}

func runCompute(ctx context.Context, cmd *cli.Command) error {
	env := envFromContext(ctx)

	calc, err := loadCalculator(env.Cfg)
	if err != nil {
		return err
	}
	registry, err := newRegistry(env.Cfg)
	if err != nil {
		return err
	}

	var resolver node.ModelResolver
	if cmd.String("model") != "" && cmd.String("family") == "" {
		database, err := db.Open(env.Cfg.DBPath)
		if err != nil {
			return fmt.Errorf("unable to open model catalog: %w", err)
		}
		defer database.Close()
		resolver = db.NewRepository(database, nil)
	}

	payload, err := json.Marshal(computeInputs(cmd, env.Cfg))
	if err != nil {
		return fmt.Errorf("unable to encode inputs: %w", err)
	}

	ic := node.NewInvocationContext(env.Log, calc, resolver, nil)
	out, err := registry.Invoke(ctx, ic, node.IdealSizeType, cmd.String("node-version"), payload)
	if err != nil {
		return err
	}
	result, ok := out.(node.IdealSizeOutput)
	if !ok {
		return fmt.Errorf("unexpected output type %T", out)
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		return writeJSON(w, result)
	}
	fmt.Fprintf(w, "%s %s\n", labelColor.Sprint("ideal size:"), sizeColor.Sprintf("%dx%d", result.Width, result.Height))
	return nil
}

func prepareCommand() *cli.Command {
	return &cli.Command{
		Name:      "prepare",
		Usage:     "Resizes an init image to the ideal size for its aspect ratio",
		ArgsUsage: "INPUT OUTPUT",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "family", Aliases: []string{"f"}, Usage: "model `FAMILY` tag (sd-1, sd-2, sdxl, ...)"},
			&cli.FloatFlag{Name: "multiplier", Aliases: []string{"x"}, Value: core.DefaultMultiplier, Usage: "scale of the native dimension"},
			&cli.StringFlag{Name: "mode", Value: imageprep.ModeFill.String(), Usage: "resize `MODE`: fill (crop), fit (letterbox) or stretch"},
			&cli.IntFlag{Name: "quality", Value: imageprep.DefaultJPEGQuality, Usage: "JPEG `QUALITY` for .jpg outputs"},
		},
		Action: runPrepare,
	}
}

func runPrepare(ctx context.Context, cmd *cli.Command) error {
	env := envFromContext(ctx)

	if cmd.NArg() != 2 {
		return usagef("prepare expects INPUT and OUTPUT, got %d argument(s)", cmd.NArg())
	}
	input, output := cmd.Args().Get(0), cmd.Args().Get(1)

	mode, err := imageprep.ParseResizeMode(cmd.String("mode"))
	if err != nil {
		return usageError{err: err}
	}
	calc, err := loadCalculator(env.Cfg)
	if err != nil {
		return err
	}

	multiplier := env.Cfg.DefaultMultiplier
	if cmd.IsSet("multiplier") {
		multiplier = cmd.Float("multiplier")
	}

	result, err := imageprep.PrepareFile(input, output, imageprep.Options{
		Family:      sizing.ParseModelFamily(cmd.String("family")),
		Multiplier:  multiplier,
		Mode:        mode,
		Calculator:  calc,
		JPEGQuality: cmd.Int("quality"),
	})
	if err != nil {
		return err
	}

	env.Log.Info("Image prepared",
		zap.String("input", input),
		zap.String("output", output),
		zap.Stringer("source", result.Source),
		zap.Stringer("target", result.Target),
		zap.Stringer("mode", mode))

	fmt.Fprintf(cmd.Root().Writer, "%s %s -> %s (%s)\n",
		labelColor.Sprint(input), result.Source, sizeColor.Sprint(result.Target), output)
	return nil
}

func familiesCommand() *cli.Command {
	return &cli.Command{
		Name:  "families",
		Usage: "Prints the effective model family table",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the table as JSON"},
		},
		Action: runFamilies,
	}
}

func runFamilies(ctx context.Context, cmd *cli.Command) error {
	env := envFromContext(ctx)

	calc, err := loadCalculator(env.Cfg)
	if err != nil {
		return err
	}
	table := calc.Table()

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		return writeJSON(w, struct {
			DefaultDimension int                  `json:"default_dimension"`
			Families         []sizing.FamilyEntry `json:"families"`
		}{table.Fallback(), table.Entries()})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tNATIVE")
	for _, e := range table.Entries() {
		fmt.Fprintf(tw, "%s\t%d\n", e.Family, e.Dimension)
	}
	fmt.Fprintf(tw, "%s\t%d\n", "(other)", table.Fallback())
	return tw.Flush()
}

// loadCalculator builds a calculator over the configured family table.
func loadCalculator(cfg *core.Config) (*sizing.Calculator, error) {
	table, err := sizing.LoadFamilyTable(cfg.FamilyTablePath)
	if err != nil {
		return nil, err
	}
	return sizing.NewCalculator(table), nil
}

func newRegistry(cfg *core.Config) (*node.Registry, error) {
	return node.NewDefaultRegistry(node.Defaults{
		Width:      cfg.DefaultWidth,
		Height:     cfg.DefaultHeight,
		Multiplier: cfg.DefaultMultiplier,
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
