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
package job

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/etcdutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// File is the toml job definition accepted by submit
type File struct {
	ID             string       `toml:"id"`
	Mode           string       `toml:"mode"`
	InventorySplit int          `toml:"inventory-split"`
	Source         job.Topology `toml:"source"`
	Target         job.Topology `toml:"target"`
}

type response struct {
	Code  int             `json:"code"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func LoadFile(file string) (*openapi.SubmitJobRequest, error) {
	var f File
	if _, err := toml.DecodeFile(file, &f); err != nil {
		return nil, fmt.Errorf("failed decode toml config file %s: %v", file, err)
	}
	return &openapi.SubmitJobRequest{
		ID:             f.ID,
		Mode:           f.Mode,
		InventorySplit: f.InventorySplit,
		Source:         f.Source,
		Target:         f.Target,
	}, nil
}

func header(w io.Writer, command, action string) {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Fprintf(w, "Component:    %s\n", cyan.Sprint("scalingctl"))
	fmt.Fprintf(w, "Command:      %s\n", cyan.Sprint(command))
	fmt.Fprintf(w, "Action:       %s\n", cyan.Sprint(action))
}

func failed(w io.Writer, err error) error {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Fprintf(w, "Status:       %s\n", cyan.Sprint("failed"))
	fmt.Fprintf(w, "Response:     %s\n", color.RedString("%v", err))
	return err
}

func success(w io.Writer) {
	fmt.Fprintf(w, "Status:       %s\n", color.New(color.FgGreen, color.Bold).Sprint("success"))
}

// call sends the request and unwraps the envelope into out, out may be nil
func call(method, url string, body []byte, out any) error {
	raw, err := openapi.Request(method, url, body)
	var resp response
	if len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil && err == nil {
			return fmt.Errorf("error decoding JSON: %v", jsonErr)
		}
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	if err != nil {
		return err
	}
	if out != nil && len(resp.Data) > 0 {
		if err = json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("error decoding JSON: %v", err)
		}
	}
	return nil
}

func apiURL(serverAddr string, paths ...string) string {
	return stringutil.StringBuilder(stringutil.WrapScheme(serverAddr, false), openapi.ScalingAPIBasePath, strings.Join(paths, "/"))
}

func Submit(w io.Writer, serverAddr string, file string) error {
	header(w, "job", "submit")
	fmt.Fprintf(w, "File:         %s\n", color.New(color.FgCyan, color.Bold).Sprint(file))

	req, err := LoadFile(file)
	if err != nil {
		return failed(w, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return failed(w, err)
	}
	var j *job.Job
	if err = call(openapi.RequestPOSTMethod, apiURL(serverAddr, openapi.APIJobPath), body, &j); err != nil {
		return failed(w, err)
	}
	if j == nil {
		return failed(w, fmt.Errorf("job submit response has no job"))
	}
	success(w)
	fmt.Fprintf(w, "Job:          %s\n", color.New(color.FgCyan, color.Bold).Sprint(j.ID))
	return nil
}

// Signal sends one of pause, resume, stop
func Signal(w io.Writer, serverAddr, jobID, action string) error {
	header(w, "job", action)
	if err := call(openapi.RequestPOSTMethod, apiURL(serverAddr, openapi.APIJobPath, jobID, action), nil, nil); err != nil {
		return failed(w, err)
	}
	success(w)
	return nil
}

func Status(w io.Writer, serverAddr, jobID string) error {
	header(w, "job", "status")
	var s *job.Status
	if err := call(openapi.RequestGETMethod, apiURL(serverAddr, openapi.APIJobPath, jobID), nil, &s); err != nil {
		return failed(w, err)
	}
	if s == nil {
		return failed(w, fmt.Errorf("job [%s] status response is empty", jobID))
	}
	success(w)
	fmt.Fprintln(w, RenderStatus(s))
	return nil
}

func List(w io.Writer, serverAddr string) error {
	header(w, "job", "list")
	var jobs []*job.Job
	if err := call(openapi.RequestGETMethod, apiURL(serverAddr, openapi.APIJobPath), nil, &jobs); err != nil {
		return failed(w, err)
	}
	success(w)
	fmt.Fprintln(w, RenderJobs(jobs))
	return nil
}

func Workers(w io.Writer, serverAddr string) error {
	header(w, "worker", "list")
	var workers []*etcdutil.Worker
	if err := call(openapi.RequestGETMethod, apiURL(serverAddr, openapi.APIWorkerPath), nil, &workers); err != nil {
		return failed(w, err)
	}
	success(w)

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ADDR", "NAME", "STATE", "JOBS", "START TIME"})
	for _, k := range workers {
		tw.AppendRow(table.Row{k.Addr, k.Name, k.State, strings.Join(k.Jobs, ","), k.StartTime})
	}
	fmt.Fprintln(w, tw.Render())
	return nil
}

// RenderStatus prints the job state then one row per task position
func RenderStatus(s *job.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job:          %s\n", s.JobID)
	fmt.Fprintf(&sb, "Mode:         %s\n", s.Mode)
	fmt.Fprintf(&sb, "State:        %s\n", stateColor(s.State).Sprint(s.State))
	if s.Owner != "" {
		fmt.Fprintf(&sb, "Owner:        %s\n", s.Owner)
	}
	if s.Error != "" {
		fmt.Fprintf(&sb, "Error:        %s\n", color.RedString("%s", s.Error))
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"TASK", "KIND", "STATUS", "CURSOR TYPE", "CURSOR VALUE"})
	for _, t := range s.Tasks {
		tw.AppendRow(table.Row{t.TaskID, t.Kind, t.Status, t.Position.CursorType, t.Position.CursorValue})
	}
	sb.WriteString(tw.Render())
	return sb.String()
}

func RenderJobs(jobs []*job.Job) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"JOB", "MODE", "STATE", "OWNER", "CREATE TIME", "ERROR"})
	for _, j := range jobs {
		tw.AppendRow(table.Row{j.ID, j.Mode, j.State, j.Owner, j.CreateTime.Format("2006-01-02 15:04:05"), j.Error})
	}
	return tw.Render()
}

func stateColor(state string) *color.Color {
	switch state {
	case constant.JobStateFailed, constant.JobStateStopped:
		return color.New(color.FgRed, color.Bold)
	case constant.JobStateFinished:
		return color.New(color.FgGreen, color.Bold)
	case constant.JobStatePaused:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgCyan, color.Bold)
	}
}
