package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/abhs/internal/ir"
	"github.com/roach88/abhs/internal/store"
)

// ResolveResult is the resolved script for one video.
type ResolveResult struct {
	Video    string          `json:"video"`
	Name     string          `json:"name"`
	Source   ir.ScriptSource `json:"source"`
	Location string          `json:"location"`
	Size     int             `json:"size"`
	Actions  int             `json:"actions"`

	// DurationMs is the time of the last keyframe.
	DurationMs int64 `json:"duration_ms"`
}

// String renders the text output.
func (r ResolveResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Video:    %s\n", r.Video)
	fmt.Fprintf(&b, "Script:   %s\n", r.Name)
	fmt.Fprintf(&b, "Source:   %s\n", r.Source)
	fmt.Fprintf(&b, "Location: %s\n", r.Location)
	fmt.Fprintf(&b, "Size:     %d bytes, %d actions\n", r.Size, r.Actions)
	fmt.Fprintf(&b, "Length:   %s", time.Duration(r.DurationMs)*time.Millisecond)
	return b.String()
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <video-path>",
		Short: "Find the funscript the service would load for a video",
		Long: `Resolve a video path to its funscript without touching the device.

Searches the configured funscript_paths in order, then the XBVR catalog
when xbvr_url is set and the file name starts with a scene id.

Exit codes:
  0 - A script was found
  1 - No script, or the script or catalog lookup failed
  2 - Command error (bad config, etc.)

Examples:
  abhs resolve "/videos/Scene.mp4" --config abhs.json
  abhs resolve "42 - Scene.mp4" --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], cmd)
		},
	}
}

func runResolve(opts *RootOptions, videoPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.ConfigPath, os.LookupEnv)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to load config", err)
	}

	st, err := store.Open(cfg.CacheDB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open cache", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resolver, err := newResolver(cfg, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build resolver", err)
	}

	formatter.VerboseLog("Searching %d director(ies), catalog %q", len(cfg.FunscriptPaths), cfg.XBVRURL)
	if n, err := st.Count(ctx); err == nil {
		formatter.VerboseLog("Catalog cache holds %d scene(s)", n)
	}

	asset, err := resolver.Resolve(ctx, videoPath)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeResolve, "script lookup failed", err)
	}
	if asset == nil {
		msg := videoPath + " has no corresponding funscript"
		_ = formatter.Error(ErrCodeNoScript, msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	result := ResolveResult{
		Video:    videoPath,
		Name:     asset.Name,
		Source:   asset.Source,
		Location: asset.Location,
		Size:     len(asset.Data),
	}
	if fs, err := ir.ParseFunscript(asset.Data); err == nil {
		result.Actions = len(fs.Actions)
		result.DurationMs = fs.DurationMillis()
	}
	return formatter.Success(result)
}
