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
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"github.com/wentaojin/scaling/model/job"
)

//go:embed scaling.yaml
var swaggerSpec []byte

// SubmitJobRequest is the body of APISubmitJob, an empty id is generated by the server
type SubmitJobRequest struct {
	ID             string       `json:"id,omitempty"`
	Mode           string       `json:"mode,omitempty"`
	InventorySplit int          `json:"inventorySplit,omitempty"`
	Source         job.Topology `json:"source"`
	Target         job.Topology `json:"target"`
}

// APISubmitJobJSONRequestBody defines body for APISubmitJob for application/json ContentType.
type APISubmitJobJSONRequestBody = SubmitJobRequest

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /jobs)
	APIListJobs(c *gin.Context)
	// (POST /jobs)
	APISubmitJob(c *gin.Context)
	// (GET /jobs/{jobId})
	APIGetJobStatus(c *gin.Context, jobId string)
	// (POST /jobs/{jobId}/pause)
	APIPauseJob(c *gin.Context, jobId string)
	// (POST /jobs/{jobId}/resume)
	APIResumeJob(c *gin.Context, jobId string)
	// (POST /jobs/{jobId}/stop)
	APIStopJob(c *gin.Context, jobId string)
	// (GET /workers)
	APIListWorkers(c *gin.Context)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandler       func(*gin.Context, error, int)
}

type MiddlewareFunc func(c *gin.Context)

func (siw *ServerInterfaceWrapper) before(c *gin.Context) bool {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return false
		}
	}
	return true
}

func (siw *ServerInterfaceWrapper) jobID(c *gin.Context) (string, bool) {
	jobId := c.Param("jobId")
	if jobId == "" {
		siw.ErrorHandler(c, fmt.Errorf("invalid format for parameter jobId: empty"), http.StatusBadRequest)
		return "", false
	}
	return jobId, true
}

func (siw *ServerInterfaceWrapper) APIListJobs(c *gin.Context) {
	if siw.before(c) {
		siw.Handler.APIListJobs(c)
	}
}

func (siw *ServerInterfaceWrapper) APISubmitJob(c *gin.Context) {
	if siw.before(c) {
		siw.Handler.APISubmitJob(c)
	}
}

func (siw *ServerInterfaceWrapper) APIGetJobStatus(c *gin.Context) {
	jobId, ok := siw.jobID(c)
	if ok && siw.before(c) {
		siw.Handler.APIGetJobStatus(c, jobId)
	}
}

func (siw *ServerInterfaceWrapper) APIPauseJob(c *gin.Context) {
	jobId, ok := siw.jobID(c)
	if ok && siw.before(c) {
		siw.Handler.APIPauseJob(c, jobId)
	}
}

func (siw *ServerInterfaceWrapper) APIResumeJob(c *gin.Context) {
	jobId, ok := siw.jobID(c)
	if ok && siw.before(c) {
		siw.Handler.APIResumeJob(c, jobId)
	}
}

func (siw *ServerInterfaceWrapper) APIStopJob(c *gin.Context) {
	jobId, ok := siw.jobID(c)
	if ok && siw.before(c) {
		siw.Handler.APIStopJob(c, jobId)
	}
}

func (siw *ServerInterfaceWrapper) APIListWorkers(c *gin.Context) {
	if siw.before(c) {
		siw.Handler.APIListWorkers(c)
	}
}

// GinServerOptions provides options for the Gin server.
type GinServerOptions struct {
	BaseURL      string
	Middlewares  []MiddlewareFunc
	ErrorHandler func(*gin.Context, error, int)
}

// RegisterHandlers creates http.Handler with routing matching OpenAPI spec.
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, GinServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router gin.IRouter, si ServerInterface, options GinServerOptions) {
	errorHandler := options.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *gin.Context, err error, statusCode int) {
			c.JSON(statusCode, Response{Code: statusCode, Error: err.Error()})
		}
	}

	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandler:       errorHandler,
	}

	router.GET(options.BaseURL+APIJobPath, wrapper.APIListJobs)
	router.POST(options.BaseURL+APIJobPath, wrapper.APISubmitJob)
	router.GET(options.BaseURL+APIJobPath+"/:jobId", wrapper.APIGetJobStatus)
	router.POST(options.BaseURL+APIJobPath+"/:jobId/"+APIJobPausePath, wrapper.APIPauseJob)
	router.POST(options.BaseURL+APIJobPath+"/:jobId/"+APIJobResumePath, wrapper.APIResumeJob)
	router.POST(options.BaseURL+APIJobPath+"/:jobId/"+APIJobStopPath, wrapper.APIStopJob)
	router.GET(options.BaseURL+APIWorkerPath, wrapper.APIListWorkers)
}

// GetSwagger returns the Swagger specification corresponding to the embedded scaling.yaml
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(swaggerSpec)
	if err != nil {
		return nil, fmt.Errorf("error loading swagger spec: [%v]", err)
	}
	if err = swagger.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("error validating swagger spec: [%v]", err)
	}
	return swagger, nil
}
