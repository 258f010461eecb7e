package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/assetmanager/filingsqa/engine/domain"
	"github.com/spf13/cobra"
)

// answerer is the part of the pipeline the transports use.
type answerer interface {
	Answer(ctx context.Context, question string) (domain.AnswerResult, error)
}

func newAskCmd(a *app) *cobra.Command {
	var showContext bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := wireServices(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))

			return runAsk(ctx, cmd.OutOrStdout(), svc.pipeline, strings.Join(args, " "), showContext)
		},
	}
	cmd.Flags().BoolVar(&showContext, "show-context", false, "also print the prompt sent to the model")
	return cmd
}

func runAsk(ctx context.Context, out io.Writer, p answerer, question string, showContext bool) error {
	res, err := p.Answer(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if showContext {
		fmt.Fprintln(out, res.Context)
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, res.Result)
	return nil
}
