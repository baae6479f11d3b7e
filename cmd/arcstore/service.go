package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/arcstore/arcstore/internal/svc"
)

func newServiceCmd() *cobra.Command {
	var (
		name, user string
		force      bool
		follow     bool
		lines      int
	)
	serviceConfig := func() *svc.Config {
		return &svc.Config{Name: name, ConfigPath: cfgFile, UserName: user, LogLevel: logLevel}
	}

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the arcstore system service",
		Long: `Install and control arcstore as a system service that runs 'arcstore serve'.

Examples:
  sudo arcstore service install --config /etc/arcstore/config.yaml --user arcstore
  sudo arcstore service start
  sudo arcstore service status
  sudo arcstore service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&name, "name", "n", svc.DefaultName, "service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the service to start at boot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Install(serviceConfig(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed; start it with: arcstore service start\n", name)
			return nil
		},
	}
	installCmd.Flags().StringVar(&user, "user", "", "run the service as this user (Linux and macOS)")
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall if already installed")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			return svc.Uninstall(serviceConfig())
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := svc.Status(serviceConfig())
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s\n", name, status)
			return err
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the service log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return svc.ViewLogs(runtime.GOOS, svc.LogOptions{ServiceName: name, Follow: follow, Lines: lines})
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow new entries")
	logsCmd.Flags().IntVar(&lines, "lines", 50, "number of lines")

	serviceCmd.AddCommand(installCmd, uninstallCmd, statusCmd, logsCmd)
	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				return svc.Control(serviceConfig(), action)
			},
		})
	}
	return serviceCmd
}
