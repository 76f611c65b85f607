// main.go - CLI-Einstiegspunkt von ctrserve
// Hauptfunktionen: NewCLI, RunServer, versionHandler
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ctrserve/ctrserve/envconfig"
	"github.com/ctrserve/ctrserve/logutil"
	"github.com/ctrserve/ctrserve/server"
	"github.com/ctrserve/ctrserve/version"
)

// versionHandler - Gibt die Version aus
func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Printf("ctrserve version %s\n", version.Version)
}

// RunServer - Laedt das Model-Repository und startet den HTTP-Server
func RunServer(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	repo, err := cmd.Flags().GetString("model-repository")
	if err != nil {
		return err
	}
	if repo == "" {
		repo = envconfig.ModelRepository()
	}

	devices, err := cmd.Flags().GetIntSlice("devices")
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		devices = envconfig.Devices()
	}

	extraPairs, err := cmd.Flags().GetStringToString("backend-config")
	if err != nil {
		return err
	}

	backend, sched, err := server.LoadRepository(repo, devices, extraPairs)
	if err != nil {
		return err
	}
	defer backend.Close()
	defer sched.Close()

	host, err := cmd.Flags().GetString("host")
	if err != nil {
		return err
	}
	if host == "" {
		host = envconfig.Host().Host
	}

	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.NewServer(sched).Serve(ctx, ln)
}

// NewCLI - Erstellt das CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "ctrserve",
		Short:         "Recommendation inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start ctrserve",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	serveCmd.Flags().String("host", "", "Listen address (default CTRSERVE_HOST)")
	serveCmd.Flags().String("model-repository", "", "Model repository directory (default CTRSERVE_MODELS)")
	serveCmd.Flags().IntSlice("devices", nil, "Device ids for model instances (default CTRSERVE_DEVICES)")
	serveCmd.Flags().StringToString("backend-config", nil, "Additional backend key=value configuration")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run:   versionHandler,
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	return rootCmd
}

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
