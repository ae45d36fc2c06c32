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
package openapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DebugAPIBasePath = "/debug/pprof/"
	// MetricsAPIBasePath stays apart from the embed etcd /metrics handler
	MetricsAPIBasePath = "/scaling/metrics"
	ScalingAPIBasePath = "/api/v1/"
)

const (
	APIJobPath    = "jobs"
	APIWorkerPath = "workers"

	APIJobPausePath  = "pause"
	APIJobResumePath = "resume"
	APIJobStopPath   = "stop"
)

const (
	RequestPOSTMethod = "POST"
	RequestGETMethod  = "GET"
)

// Response is the envelope of every api answer, Code mirrors the http status
type Response struct {
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Request sends a json request and returns the raw body, a non 2xx status carries the envelope error
func Request(method, url string, body []byte) ([]byte, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(method, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return respBody, fmt.Errorf("request http status [%d] not ok, response: [%s]", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return respBody, nil
}
