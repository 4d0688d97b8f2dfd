package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/supervisor"
)

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the web server",
		Long:  "Stop the web server. Waits up to a minute for the master process to exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, err := a.supervisor(nil)
			if err != nil {
				return err
			}
			if err := sup.Stop(commandContext(cmd)); err != nil {
				a.logger.Error("stop failed", zap.Error(err))
				if errors.Is(err, supervisor.ErrNotRunning) {
					a.eprintln("Server is not running")
				}
				a.eprintln("Error stopping server; check logs for details")
				return errReported
			}
			a.println("Server stopped")
			return nil
		},
	}
}

func (a *app) reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the web server workers",
		Long: `Reload the web server workers. The master restarts every worker so
new code is picked up; requests in flight are allowed to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, err := a.supervisor(nil)
			if err != nil {
				return err
			}
			if err := sup.Reload(commandContext(cmd)); err != nil {
				a.logger.Error("reload failed", zap.Error(err))
				if errors.Is(err, supervisor.ErrNotRunning) {
					a.eprintln("Server is not running")
				}
				a.eprintln("Error reloading server; check logs for details")
				return errReported
			}
			a.println("Server reloaded")
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the web server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, err := a.supervisor(nil)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			st, err := sup.Status(ctx)
			if err != nil {
				a.logger.Error("status failed", zap.Error(err))
				a.println("Server is not running")
				return nil
			}
			if !st.Running {
				a.println("Server is not running")
				return nil
			}
			a.println(fmt.Sprintf("Server is running (master=%d, manager=%d, mode=%s)", st.MasterPID, st.ManagerPID, st.Mode))
			for _, p := range supervisor.Inspect(ctx, st) {
				a.println("  " + p.String())
			}
			return nil
		},
	}
}
