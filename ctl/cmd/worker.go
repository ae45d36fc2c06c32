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
	"os"

	"github.com/spf13/cobra"
	"github.com/wentaojin/scaling/ctl/job"
)

type AppWorker struct {
	*App
}

func (a *App) AppWorker() Cmder {
	return &AppWorker{App: a}
}

func (a *AppWorker) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "worker",
		Short:            "Operator cluster worker",
		Long:             `Operator cluster worker`,
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	return cmd
}

func (a *AppWorker) RunE(cmd *cobra.Command, args []string) error {
	if err := cmd.Help(); err != nil {
		return err
	}
	return nil
}

type AppWorkerList struct {
	*AppWorker
}

func (a *AppWorker) AppWorkerList() Cmder {
	return &AppWorkerList{AppWorker: a}
}

func (a *AppWorkerList) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "list",
		Short:            "list registered cluster workers",
		Long:             `list registered cluster workers and their owned jobs`,
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	return cmd
}

func (a *AppWorkerList) RunE(cmd *cobra.Command, args []string) error {
	return job.Workers(os.Stdout, a.Server)
}
