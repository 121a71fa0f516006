package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"lmbridge/internal/engine"
	"lmbridge/internal/service"
)

func newGenerateCmd(o *options) *cobra.Command {
	var (
		model     string
		imagePath string
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "generate [prompt...]",
		Short: "Load a model and run one generation locally",
		Example: "  lmbridged generate --model gemma-3n-e2b-q4.gguf \"Write a haiku about autumn\"\n" +
			"  lmbridged generate --model ./m.gguf --image cat.jpg --stream \"What is in this picture?\"",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var image []byte
			if imagePath != "" {
				b, err := os.ReadFile(imagePath)
				if err != nil {
					return fmt.Errorf("read image: %w", err)
				}
				image = b
			}
			if model == "" {
				model = o.cfg.Model
			}
			req := engine.GenerationRequest{Prompt: strings.Join(args, " "), Image: image}
			return runGenerate(cmd.Context(), o, model, req, stream, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "Model id (from --models-dir) or path")
	f.StringVar(&imagePath, "image", "", "Image file to attach (png, jpeg, gif, webp, bmp)")
	f.BoolVar(&stream, "stream", false, "Print fragments as they are produced")
	return cmd
}

func runGenerate(ctx context.Context, o *options, model string, req engine.GenerationRequest, stream bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if model == "" {
		return errors.New("--model is required")
	}
	rt, err := newApp(o.cfg, o.log, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := service.New(rt.eng, o.cfg.ModelsDir, o.log)
	path, err := svc.ResolveModel(model)
	if err != nil {
		return err
	}
	if _, err := rt.eng.Initialize(ctx, engine.InitOptions{ModelPath: path}); err != nil {
		return err
	}

	if !stream {
		text, err := rt.eng.Generate(ctx, req)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, text)
		return err
	}

	st, err := rt.eng.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer st.Cancel()
	for ev := range st.Events() {
		switch {
		case ev.Err != nil:
			return ev.Err
		case ev.Done:
			_, err := fmt.Fprintln(out)
			return err
		default:
			if _, err := io.WriteString(out, ev.Text); err != nil {
				return err
			}
		}
	}
	return st.Err()
}
