package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/spaceshowcase/internal/apod"
	"github.com/ent0n29/spaceshowcase/internal/app"
	"github.com/ent0n29/spaceshowcase/internal/audio"
	"github.com/ent0n29/spaceshowcase/internal/config"
	"github.com/ent0n29/spaceshowcase/internal/showcase"
)

func newAPODCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "apod",
		Short: "Fetch one astronomy picture and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			built, err := buildOneShot()
			if err != nil {
				return err
			}
			defer built.Cleanup()

			pic, rl, err := fetchPicture(cmd.Context(), built, date)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				apod.Picture
				RateLimit apod.RateLimit `json:"rateLimit"`
			}{pic, rl})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "APOD date (YYYY-MM-DD); random when empty")
	return cmd
}

func newNarrateCmd() *cobra.Command {
	var (
		date string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "narrate",
		Short: "Rewrite a picture's caption, synthesize the narration and save it as WAV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			built, err := buildOneShot()
			if err != nil {
				return err
			}
			defer built.Cleanup()
			if !built.Narrator.Configured() {
				return errors.New("OPENAI_API_KEY is not set")
			}

			ctx := cmd.Context()
			pic, _, err := fetchPicture(ctx, built, date)
			if err != nil {
				return err
			}
			rewritten, err := built.Narrator.Rewrite(ctx, pic.Explanation)
			if err != nil {
				return fmt.Errorf("rewrite: %w", err)
			}
			text := showcase.ComposeNarration(pic.Title, rewritten)
			wav, err := built.Narrator.Synthesize(ctx, text)
			if err != nil {
				return fmt.Errorf("synthesize: %w", err)
			}
			pcm, err := audio.DecodeWAV(wav)
			if err != nil {
				return fmt.Errorf("decode narration: %w", err)
			}

			if out == "" {
				out = pic.Date + ".wav"
			}
			if err := audio.WriteWAVFile(out, pcm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n%s\nwrote %s (%s)\n",
				pic.Title, pic.Date, text, out, pcm.Duration().Round(10*time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "APOD date (YYYY-MM-DD); random when empty")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output WAV path (default <date>.wav)")
	return cmd
}

func buildOneShot() (*app.BuildResult, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.LogFormat = "console"
	built, err := app.Build(cfg, newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	if !built.Pictures.Configured() {
		_ = built.Cleanup()
		return nil, errors.New("NASA_API_KEY is not set")
	}
	return built, nil
}

func fetchPicture(ctx context.Context, built *app.BuildResult, date string) (apod.Picture, apod.RateLimit, error) {
	date = apod.SanitizeDate(date)
	if date == "" {
		now := time.Now()
		rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(os.Getpid())))
		date = apod.RandomDate(rng, now)
	}
	pic, rl, err := built.Pictures.Fetch(ctx, date)
	if err != nil {
		return apod.Picture{}, apod.RateLimit{}, fmt.Errorf("fetch %s: %w", date, err)
	}
	return pic, rl, nil
}
