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
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wentaojin/scaling/ctl/job"
)

type AppJob struct {
	*App
}

func (a *App) AppJob() Cmder {
	return &AppJob{App: a}
}

func (a *AppJob) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "job",
		Short:            "Operator cluster scaling job",
		Long:             `Operator cluster scaling job`,
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	return cmd
}

func (a *AppJob) RunE(cmd *cobra.Command, args []string) error {
	if err := cmd.Help(); err != nil {
		return err
	}
	return nil
}

type AppJobSubmit struct {
	*AppJob
	config string
}

func (a *AppJob) AppJobSubmit() Cmder {
	return &AppJobSubmit{AppJob: a}
}

func (a *AppJobSubmit) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "submit",
		Short:            "submit cluster scaling job",
		Long:             `submit cluster scaling job from a toml job file`,
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	cmd.Flags().StringVarP(&a.config, "config", "c", "job.toml", "job config file")
	return cmd
}

func (a *AppJobSubmit) RunE(cmd *cobra.Command, args []string) error {
	if strings.EqualFold(a.config, "") {
		return fmt.Errorf("flag parameter [config] is requirement, can not null")
	}
	return job.Submit(os.Stdout, a.Server, a.config)
}

// AppJobSignal serves pause, resume and stop
type AppJobSignal struct {
	*AppJob
	action string
	job    string
}

func (a *AppJob) AppJobSignal(action string) Cmder {
	return &AppJobSignal{AppJob: a, action: action}
}

func (a *AppJobSignal) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              a.action,
		Short:            fmt.Sprintf("%s cluster scaling job", a.action),
		Long:             fmt.Sprintf(`%s cluster scaling job`, a.action),
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	cmd.Flags().StringVarP(&a.job, "job", "j", "", "operate job id")
	return cmd
}

func (a *AppJobSignal) RunE(cmd *cobra.Command, args []string) error {
	if strings.EqualFold(a.job, "") {
		return fmt.Errorf("operate job flag [job] can't be null, please setting")
	}
	return job.Signal(os.Stdout, a.Server, a.job, a.action)
}

type AppJobStatus struct {
	*AppJob
	job string
}

func (a *AppJob) AppJobStatus() Cmder {
	return &AppJobStatus{AppJob: a}
}

func (a *AppJobStatus) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "status",
		Short:            "display cluster scaling job status",
		Long:             `display cluster scaling job state and task positions`,
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	cmd.Flags().StringVarP(&a.job, "job", "j", "", "operate job id")
	return cmd
}

func (a *AppJobStatus) RunE(cmd *cobra.Command, args []string) error {
	if strings.EqualFold(a.job, "") {
		return fmt.Errorf("operate job flag [job] can't be null, please setting")
	}
	return job.Status(os.Stdout, a.Server, a.job)
}

type AppJobList struct {
	*AppJob
}

func (a *AppJob) AppJobList() Cmder {
	return &AppJobList{AppJob: a}
}

func (a *AppJobList) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "list",
		Short:            "list cluster scaling jobs",
		Long:             `list cluster scaling jobs`,
		RunE:             a.RunE,
		TraverseChildren: true,
		SilenceUsage:     true,
	}
	return cmd
}

func (a *AppJobList) RunE(cmd *cobra.Command, args []string) error {
	return job.List(os.Stdout, a.Server)
}
