package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ewag/orthanc-client/internal/config"
	"github.com/ewag/orthanc-client/internal/logging"
	"github.com/ewag/orthanc-client/internal/orthanc"
)

func NewRoot(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "orthancctl",
		Short:        "a CLI to snapshot, modify and archive Orthanc studies",
		Long:         "orthancctl captures the instances of a study and runs modifications, deletions and exports on exactly that set.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logLevel, _ := cmd.Flags().GetString("log-level")
			level, err := logging.ParseLevel(logLevel)
			slog.SetDefault(logging.Logger(os.Stderr, false, level))
			if err != nil {
				slog.WarnContext(ctx, "Invalid log level, defaulting to INFO", "level", logLevel, "error", err)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			printCommandTree(cmd, 0)
		},
	}
	cmd.AddCommand(
		NewVersionCmd(ctx, gitsha),
		NewSnapshotCmd(ctx),
		NewModifyCmd(ctx),
		NewAnonymizeCmd(ctx),
		NewDeleteCmd(ctx),
		NewArchiveCmd(ctx),
		NewJobCmd(ctx),
		NewUploadCmd(ctx),
	)
	pf := cmd.PersistentFlags()
	pf.String("url", config.GetEnv("ORTHANC_URL", "http://localhost:8042"), "Orthanc base URL")
	pf.String("user", config.GetEnv("ORTHANC_USER", ""), "Orthanc user")
	pf.String("password", config.GetEnv("ORTHANC_PASSWORD", ""), "Orthanc password")
	pf.String("token", config.GetEnv("ORTHANC_API_TOKEN", ""), "Orthanc API token, sent as a bearer token")
	pf.Duration("timeout", 60*time.Second, "HTTP timeout per request")
	pf.Duration("poll-interval", time.Second, "interval between job status polls")
	pf.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	return cmd
}

func printCommandTree(cmd *cobra.Command, indent int) {
	fmt.Fprintln(cmd.OutOrStdout(), strings.Repeat("\t", indent), cmd.Use+":", cmd.Short)
	for _, subCmd := range cmd.Commands() {
		printCommandTree(subCmd, indent+1)
	}
}

func NewVersionCmd(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "git sha for this build",
		Long:  "git sha for this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), gitsha)
		},
	}
	return cmd
}

// newClient builds a client from the persistent connection flags.
func newClient(cmd *cobra.Command) *orthanc.Client {
	url, _ := cmd.Flags().GetString("url")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	poll, _ := cmd.Flags().GetDuration("poll-interval")

	opts := []orthanc.ClientOption{orthanc.WithPollingInterval(poll)}
	if user != "" {
		opts = append(opts, orthanc.WithBasicAuth(user, password))
	}
	if token != "" {
		opts = append(opts, orthanc.WithAPIToken(token))
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: timeout}
	return orthanc.NewClientWithHttpClient(url, httpClient, opts...)
}
