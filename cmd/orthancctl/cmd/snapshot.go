package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ewag/orthanc-client/internal/export"
	"github.com/ewag/orthanc-client/internal/orthanc"
)

func printSet(w io.Writer, set *orthanc.InstancesSet) {
	fmt.Fprintf(w, "set %s study %s: %d series, %d instances\n", set.ID(), set.StudyID(), len(set.SeriesIDs()), set.Len())
	for _, g := range set.Groups() {
		fmt.Fprintf(w, "\tseries %s: %d instances\n", g.SeriesID, len(g.InstanceIDs))
	}
}

// NewSnapshotCmd prints the instances currently in a study.
func NewSnapshotCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <studyId>",
		Short: "capture and print the instances of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := orthanc.SnapshotStudy(ctx, newClient(cmd), args[0])
			if err != nil {
				return err
			}
			printSet(cmd.OutOrStdout(), set)
			return nil
		},
	}
	return cmd
}

// parseReplace turns Tag=Value pairs into a Replace map.
func parseReplace(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid replacement %q, want Tag=Value", p)
		}
		out[k] = v
	}
	return out, nil
}

func modifyOptions(cmd *cobra.Command) (orthanc.ModifyOptions, error) {
	replace, _ := cmd.Flags().GetStringArray("replace")
	remove, _ := cmd.Flags().GetStringArray("remove")
	keep, _ := cmd.Flags().GetStringArray("keep")
	deleteOriginal, _ := cmd.Flags().GetBool("delete-original")
	force, _ := cmd.Flags().GetBool("force")

	r, err := parseReplace(replace)
	if err != nil {
		return orthanc.ModifyOptions{}, err
	}
	return orthanc.ModifyOptions{
		Replace:        r,
		Remove:         remove,
		Keep:           keep,
		DeleteOriginal: deleteOriginal,
		Force:          force,
	}, nil
}

// NewModifyCmd snapshots a study then modifies exactly those instances.
func NewModifyCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify <studyId>",
		Short: "modify the instances of a study as captured now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := modifyOptions(cmd)
			if err != nil {
				return err
			}
			set, err := orthanc.SnapshotStudy(ctx, newClient(cmd), args[0])
			if err != nil {
				return err
			}
			modified, err := set.Modify(ctx, opts)
			if err != nil {
				return err
			}
			printSet(cmd.OutOrStdout(), modified)
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringArray("replace", nil, "Tag=Value to replace, repeatable")
	pf.StringArray("remove", nil, "tag to remove, repeatable")
	pf.StringArray("keep", nil, "tag to keep, repeatable")
	pf.Bool("delete-original", false, "delete the source instances")
	pf.Bool("force", false, "allow changing identifying tags")
	return cmd
}

// NewAnonymizeCmd runs a bulk anonymization on resources of one level.
func NewAnonymizeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anonymize <level> <ids...>",
		Short: "anonymize patients, studies, series or instances",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := orthanc.ParseLevel(args[0])
			if err != nil {
				return err
			}
			keep, _ := cmd.Flags().GetStringArray("keep")
			deleteOriginal, _ := cmd.Flags().GetBool("delete-original")

			res, err := newClient(cmd).Bulk(ctx, orthanc.BulkAnonymize, level, args[1:],
				orthanc.ModifyOptions{Keep: keep, DeleteOriginal: deleteOriginal})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "patients: %s\n", strings.Join(res.Patients, ","))
			fmt.Fprintf(w, "studies: %s\n", strings.Join(res.Studies, ","))
			fmt.Fprintf(w, "series: %s\n", strings.Join(res.Series, ","))
			fmt.Fprintf(w, "instances: %s\n", strings.Join(res.Instances, ","))
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringArray("keep", nil, "tag to keep, repeatable")
	pf.Bool("delete-original", false, "delete the source resources")
	return cmd
}

// NewDeleteCmd deletes the instances of a study as captured now. Instances
// arriving after the capture survive.
func NewDeleteCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <studyId>",
		Short: "delete the instances of a study as captured now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := orthanc.SnapshotStudy(ctx, newClient(cmd), args[0])
			if err != nil {
				return err
			}
			if set.IsEmpty() {
				fmt.Fprintf(cmd.OutOrStdout(), "study %s has no instances\n", args[0])
				return nil
			}
			if err := set.Delete(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d instances of set %s\n", set.Len(), set.ID())
			return nil
		},
	}
	return cmd
}

// NewArchiveCmd writes a study archive to a file or GCS object.
func NewArchiveCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <studyId>",
		Short: "write the instances of a study to a zip or DICOMDIR media",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			media, _ := cmd.Flags().GetBool("media")
			if out == "" {
				return fmt.Errorf("--out is required")
			}

			set, err := orthanc.SnapshotStudy(ctx, newClient(cmd), args[0])
			if err != nil {
				return err
			}
			write := set.WriteArchive
			if media {
				write = set.WriteMedia
			}
			w, err := export.Open(ctx, out)
			if err != nil {
				return err
			}
			n, err := write(ctx, w)
			if err != nil {
				w.Abort()
				return err
			}
			if err := w.Commit(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, w.Location())
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("out", "o", "", "destination path or gs://bucket/object")
	pf.Bool("media", false, "write a DICOMDIR media instead of a plain zip")
	return cmd
}
