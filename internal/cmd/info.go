package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/connesc/ndecrypt"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	infoFlags pflag.FlagSet
	compact   = infoFlags.BoolP("compact", "c", false, "disable pretty-printing of JSON output")
	iconDir   = infoFlags.String("icons", "", "write the large icon of each partition as PNG in this folder")
)

func init() {
	infoCmd.Flags().AddFlagSet(&keyFlags)
	infoCmd.Flags().AddFlagSet(&infoFlags)
	rootCmd.AddCommand(infoCmd)
}

type imageFile struct {
	File string
	*ndecrypt.ImageInfo
}

var infoCmd = &cobra.Command{
	Use:   "info file...",
	Short: "Describe CCI images as JSON",
	Long:  "Describe CCI images as JSON. Titles of encrypted images are shown when keys are available.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := afero.NewOsFs()
		config := loadConfig(fs)
		resolver := &ndecrypt.KeyResolver{
			Keys:        config.Keys,
			Seeds:       config.Seeds,
			Development: config.Development,
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		if !*compact {
			encoder.SetIndent("", "  ")
		}
		encoder.SetEscapeHTML(false)

		for _, filename := range args {
			info, err := describeFile(fs, filename, resolver)
			if err != nil {
				return fmt.Errorf("%s: %w", filename, err)
			}
			if err := encoder.Encode(imageFile{File: filename, ImageInfo: info}); err != nil {
				return err
			}
			if *iconDir != "" {
				if err := writeIcons(fs, *iconDir, filename, info); err != nil {
					return fmt.Errorf("%s: %w", filename, err)
				}
			}
		}
		return nil
	},
}

// writeIcons writes <dir>/<image name>.<partition index>.png for every partition with an icon.
func writeIcons(fs afero.Fs, dir, filename string, info *ndecrypt.ImageInfo) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	for _, p := range info.Partitions {
		if p.Icon == nil {
			continue
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, p.Icon); err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s.%d.png", base, p.Index))
		if err := afero.WriteFile(fs, path, buf.Bytes(), 0644); err != nil {
			return err
		}
		log.WithFields(log.Fields{"file": filename, "icon": path}).Debug("icon written")
	}
	return nil
}

func describeFile(fs afero.Fs, filename string, resolver *ndecrypt.KeyResolver) (*ndecrypt.ImageInfo, error) {
	file, err := fs.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	return ndecrypt.DescribeImage(file, stat.Size(), resolver)
}
