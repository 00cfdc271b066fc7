package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"canopy/internal/core"

	"github.com/spf13/cobra"
)

var sevenZipPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "canopy",
		Short:        "Pack and unpack archives the way the canopy server does",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&sevenZipPath, "7z", "7z", "path to the 7z binary")

	rootCmd.AddCommand(packCmd(), unpackCmd(), listCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func packCmd() *cobra.Command {
	var (
		output string
		format string
		level  int
	)

	cmd := &cobra.Command{
		Use:   "pack <files...>",
		Short: "Compress files and directories into one archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := core.ParseFormat(format)
			if err != nil {
				return err
			}

			parsedPaths, err := core.ParseArgs(args)
			if err != nil {
				return err
			}

			filetree, err := core.BuildFiletree(parsedPaths)
			if err != nil {
				return fmt.Errorf("building filetree: %w", err)
			}

			if output == "" {
				output = "archive"
			}
			output = f.EnsureExtension(output)

			err = filetree.CompressToFile(cmd.Context(), output, core.CompressOptions{
				Format:   f,
				Level:    level,
				Progress: printProgress("packing"),
				SevenZip: core.NewSevenZip(sevenZipPath),
			})
			fmt.Println()
			if err != nil {
				return fmt.Errorf("compressing: %w", err)
			}

			info, err := os.Stat(output)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Compressed %d bytes to %s (%d bytes)\n", filetree.GetUncompressedSize(), output, info.Size())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "archive file to create")
	cmd.Flags().StringVarP(&format, "format", "f", "zip", "archive format: zip, tgz or 7z")
	cmd.Flags().IntVarP(&level, "level", "l", -1, "compression level 0-9, -1 for the default")
	return cmd
}

func unpackCmd() *cobra.Command {
	var (
		dest     string
		conflict string
	)

	cmd := &cobra.Command{
		Use:   "unpack <archive>",
		Short: "Extract an archive into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := core.DetectFormat(args[0])
			if err != nil {
				return err
			}
			action, err := core.ParseConflictAction(conflict)
			if err != nil {
				return err
			}

			extracted, err := core.Extract(cmd.Context(), args[0], dest, core.ExtractOptions{
				Format: format,
				OnConflict: func(_ context.Context, c core.Conflict) (core.ConflictAction, error) {
					fmt.Printf("\n! %s exists, %s\n", c.Name, action)
					return action, nil
				},
				Progress: printProgress("unpacking"),
				SevenZip: core.NewSevenZip(sevenZipPath),
			})
			fmt.Println()
			if err != nil {
				return fmt.Errorf("extracting: %w", err)
			}

			fmt.Printf("✓ Extracted %d entries into %s\n", len(extracted), dest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", ".", "destination directory")
	cmd.Flags().StringVar(&conflict, "on-conflict", "skip", "skip, overwrite or rename existing entries")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive>",
		Short: "List the entries of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := core.DetectFormat(args[0])
			if err != nil {
				return err
			}
			entries, err := core.ListEntries(cmd.Context(), args[0], format, core.NewSevenZip(sevenZipPath))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDir {
					fmt.Printf("%12s  %s\n", "<dir>", e.Name)
					continue
				}
				fmt.Printf("%12d  %s\n", e.Size, e.Name)
			}
			return nil
		},
	}
}

func printProgress(label string) core.ProgressFunc {
	return func(percent int) {
		fmt.Printf("\r%s... %3d%%", label, percent)
	}
}
