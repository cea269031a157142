package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/nvr-ai/go-petid/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type pipelineFlags struct {
	targetClass string
	variant     string
	k           int
}

func (f *pipelineFlags) register(cmd *cobra.Command, withK bool) {
	cmd.Flags().StringVar(&f.targetClass, "target-class", "", "detector class to identify (default from config)")
	cmd.Flags().StringVar(&f.variant, "variant", "", "preprocessing variant: original, canny, laplacian or sobel")
	if withK {
		cmd.Flags().IntVarP(&f.k, "top-k", "k", 0, "number of matches (default from config)")
	}
}

func (f *pipelineFlags) options() (pipeline.Options, error) {
	opts := pipeline.Options{TargetClass: f.targetClass, K: f.k}
	if f.variant != "" {
		v, err := preprocess.ParseVariant(f.variant)
		if err != nil {
			return opts, err
		}
		opts.Variant = v
	}
	return opts, nil
}

// withApp builds the app, runs fn and releases the app.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAnalyzeCmd(flags *rootFlags) *cobra.Command {
	pf := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Enrol the dog in an image and print its identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pf.options()
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				img, err := a.loadImage(args[0])
				if err != nil {
					return err
				}
				res, err := a.svc.Analyze(ctx, img, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	pf.register(cmd, false)
	return cmd
}

func newMatchCmd(flags *rootFlags) *cobra.Command {
	pf := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "match <image>",
		Short: "Find the enrolled identities nearest to the dog in an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pf.options()
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				img, err := a.loadImage(args[0])
				if err != nil {
					return err
				}
				res, err := a.svc.Match(ctx, img, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	pf.register(cmd, true)
	return cmd
}

func newCompareCmd(flags *rootFlags) *cobra.Command {
	pf := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "compare <image1> <image2>",
		Short: "Decide whether two images show the same dog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pf.options()
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				first, err := a.loadImage(args[0])
				if err != nil {
					return err
				}
				second, err := a.loadImage(args[1])
				if err != nil {
					return err
				}
				res, err := a.svc.Compare(ctx, first, second, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	pf.register(cmd, false)
	return cmd
}

// enrolled is one line of the enroll report.
type enrolled struct {
	File          string `json:"file"`
	IdentityToken string `json:"identity_token,omitempty"`
	Error         string `json:"error,omitempty"`
}

type enrollReport struct {
	Enrolled int        `json:"enrolled"`
	Failed   int        `json:"failed"`
	Files    []enrolled `json:"files"`
}

func newEnrollCmd(flags *rootFlags) *cobra.Command {
	pf := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "enroll <dir>",
		Short: "Enrol every image in a directory",
		Long: "Enrol every image in a directory. Images without exactly one dog are\n" +
			"reported and skipped; the command fails only when nothing was enrolled.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pf.options()
			if err != nil {
				return err
			}
			files, err := util.LoadDirectoryImageFiles(args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.Errorf("no images in %s", args[0])
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				report := enroll(ctx, a, files, opts)
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Enrolled == 0 {
					return errors.Errorf("no image in %s could be enrolled", args[0])
				}
				return nil
			})
		},
	}
	pf.register(cmd, false)
	return cmd
}

func enroll(ctx context.Context, a *app, files []util.ImageFile, opts pipeline.Options) *enrollReport {
	report := &enrollReport{Files: make([]enrolled, 0, len(files))}
	for _, f := range files {
		line := enrolled{File: f.Path}
		res, err := analyzeFile(ctx, a, f, opts)
		if err != nil {
			a.log.WithError(err).WithField("file", f.Path).Warn("enrol failed")
			line.Error = err.Error()
			report.Failed++
		} else {
			a.log.WithFields(logrus.Fields{"file": f.Path, "identity_token": res.IdentityToken}).Info("enrolled")
			line.IdentityToken = res.IdentityToken
			report.Enrolled++
		}
		report.Files = append(report.Files, line)
	}
	return report
}

func analyzeFile(ctx context.Context, a *app, f util.ImageFile, opts pipeline.Options) (*pipeline.Analysis, error) {
	img, err := a.loader.Load(images.FromBytes(f.Data))
	if err != nil {
		return nil, err
	}
	return a.svc.Analyze(ctx, img, opts)
}

func newModelsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Report which models loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.svc.Models())
			})
		},
	}
}
