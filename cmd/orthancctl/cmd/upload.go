package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// studyUID reads the StudyInstanceUID of a DICOM file without its pixels.
func studyUID(path string) (string, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return "", err
	}
	elem, err := ds.FindElementByTag(tag.StudyInstanceUID)
	if err != nil {
		return "", err
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return "", fmt.Errorf("%s has an empty StudyInstanceUID", path)
	}
	return strings.TrimSpace(values[0]), nil
}

// NewUploadCmd uploads DICOM files, skipping anything that does not parse.
func NewUploadCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <files...>",
		Short: "upload DICOM files to Orthanc",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ignoreErrors, _ := cmd.Flags().GetBool("ignore-errors")
			client := newClient(cmd)
			w := cmd.OutOrStdout()

			var uploaded, skipped int
			for _, path := range args {
				uid, err := studyUID(path)
				if err != nil {
					slog.WarnContext(ctx, "Skipping file that is not DICOM", "path", path, "error", err)
					skipped++
					continue
				}
				ids, err := client.UploadFile(ctx, path, ignoreErrors)
				if err != nil {
					return err
				}
				uploaded++
				fmt.Fprintf(w, "%s: study %s, instances %s\n", path, uid, strings.Join(ids, ","))
			}
			fmt.Fprintf(w, "uploaded %d files, skipped %d\n", uploaded, skipped)
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.Bool("ignore-errors", false, "ignore files Orthanc rejects or already stores")
	return cmd
}
