/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wentaojin/scaling/version"
)

// Cmder is one node of the scalingctl command tree
type Cmder interface {
	Cmd() *cobra.Command
	RunE(*cobra.Command, []string) error
}

type App struct {
	Server  string
	Version bool
}

func (a *App) Cmd() *cobra.Command {
	c := &cobra.Command{
		Use:               "scalingctl",
		Short:             "CLI scalingctl app for scaling cluster",
		PersistentPreRunE: a.PersistentPreRunE,
		RunE:              a.RunE,
		SilenceUsage:      true,
	}
	c.PersistentFlags().StringVarP(&a.Server, "server", "s", "", "server addr for app server")
	c.Flags().BoolVarP(&a.Version, "version", "v", false, "version for app client")
	return c
}

func (a *App) RunE(cmd *cobra.Command, args []string) error {
	if a.Version {
		fmt.Println(version.GetRawVersionInfo())
		return nil
	}
	return cmd.Help()
}

func (a *App) PersistentPreRunE(cmd *cobra.Command, args []string) error {
	if a.Version && !cmd.HasParent() {
		return nil
	}
	if strings.EqualFold(a.Server, "") {
		err := cmd.Help()
		if err != nil {
			return err
		}
		return fmt.Errorf("flag parameter [server] are requirement, can not null")
	}
	return nil
}

// Root assembles the full command tree
func (a *App) Root() *cobra.Command {
	root := a.Cmd()

	appJob := a.AppJob().(*AppJob)
	jobCmd := appJob.Cmd()
	jobCmd.AddCommand(
		appJob.AppJobSubmit().Cmd(),
		appJob.AppJobSignal("pause").Cmd(),
		appJob.AppJobSignal("resume").Cmd(),
		appJob.AppJobSignal("stop").Cmd(),
		appJob.AppJobStatus().Cmd(),
		appJob.AppJobList().Cmd(),
	)

	appWorker := a.AppWorker().(*AppWorker)
	workerCmd := appWorker.Cmd()
	workerCmd.AddCommand(appWorker.AppWorkerList().Cmd())

	root.AddCommand(jobCmd, workerCmd)
	return root
}
