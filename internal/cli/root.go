// Package cli implements the pixelconvert command line.
package cli

import (
	"log"

	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/spf13/cobra"
)

func NewRootCommand(logger *log.Logger, cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "pixelconvert",
		Short:         "pixelconvert - convert, crop and resize images",
		Long:          "pixelconvert converts raster images between JPG, PNG, WEBP, GIF, BMP and TIFF, with optional center crop and resize.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetHelpCommand(&cobra.Command{Hidden: true})
	root.AddCommand(newConvertCommand(logger, cfg))
	return root
}
