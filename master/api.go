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
package master

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	middleware "github.com/deepmap/oapi-codegen/pkg/gin-middleware"
	"github.com/getkin/kin-openapi/openapi3"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/openapi"
	"github.com/wentaojin/scaling/service"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/etcdutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// initOpenAPIHandler returns a HTTP handler to handle scaling-master apis, extra middlewares run
// before the request validation
func (s *Server) initOpenAPIHandler(middlewares ...gin.HandlerFunc) (*gin.Engine, error) {
	swagger, err := openapi.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("openapi get swagger failed: [%v]", err)
	}
	// servers configure sever api base path, avoid gin-middleware request valid failed, report error {"error":"no matching operation was found"}
	swagger.Servers = openapi3.Servers{&openapi3.Server{URL: openapi.ScalingAPIBasePath}}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(s.cors())

	// add a ginzap middleware, which:
	//   - log requests, like a combined access and error log.
	r.Use(ginzap.GinzapWithConfig(logger.GetRootLogger().With(zap.String("component", "gin")), &ginzap.Config{
		TimeFormat: logger.LogTimeFmt,
		UTC:        false,
		Context: func(c *gin.Context) []zapcore.Field {
			if c.Request.Body == nil {
				return nil
			}
			var buf bytes.Buffer
			body, _ := io.ReadAll(io.TeeReader(c.Request.Body, &buf))
			c.Request.Body = io.NopCloser(&buf)
			return []zapcore.Field{zap.String("body", string(body))}
		}}))

	// logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(logger.GetRootLogger().With(zap.String("component", "gin")), true))

	r.Use(middlewares...)

	// use validation middleware to check all requests against the OpenAPI schema.
	r.Use(middleware.OapiRequestValidatorWithOptions(swagger, &middleware.Options{
		SilenceServersWarning: true, // forbid servers parameter check warn
		ErrorHandler: func(c *gin.Context, message string, statusCode int) {
			c.AbortWithStatusJSON(statusCode, openapi.Response{Code: statusCode, Error: message})
		},
	}))

	// register handlers
	openapi.RegisterHandlersWithOptions(r, s, openapi.GinServerOptions{BaseURL: openapi.ScalingAPIBasePath})

	return r, nil
}

// proxy used for reverses request to leader
func (s *Server) proxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		election := s.currentElection()
		if election == nil {
			s.abort(c, http.StatusServiceUnavailable, fmt.Errorf("current leader service election action isn't started, please wait retrying"))
			return
		}
		ctx := c.Request.Context()
		isLeader, err := election.CurrentIsLeader(ctx)
		if err != nil {
			s.abort(c, http.StatusServiceUnavailable, err)
			return
		}
		if isLeader {
			c.Next()
			return
		}

		leaderAddr, err := election.Leader(ctx)
		if err == nil && strings.EqualFold(leaderAddr, "") {
			err = fmt.Errorf("current leader service election action isn't finished, please wait retrying")
		}
		if err != nil {
			logger.Error("api request get leader error",
				zap.String("request URL", c.Request.URL.String()),
				zap.String("current addr", s.MasterOptions.ClientAddr),
				zap.String("current leader", leaderAddr),
				zap.Error(err))
			s.abort(c, http.StatusServiceUnavailable, err)
			return
		}

		// simpleProxy just reverse to leader host
		simpleProxy := httputil.ReverseProxy{
			Director: func(req *http.Request) {
				req.URL.Scheme = "http"
				req.URL.Host = leaderAddr
				req.Host = leaderAddr
			},
		}

		logger.Warn("reverse request to leader",
			zap.String("request URL", c.Request.URL.String()),
			zap.String("current addr", s.MasterOptions.ClientAddr),
			zap.String("forward leader", leaderAddr))

		simpleProxy.ServeHTTP(c.Writer, c.Request)
		c.Abort()
	}
}

// cors used for support cors request
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type,AccessToken,X-CSRF-Token, Authorization, Token")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Content-Type")
		c.Header("Access-Control-Allow-Credentials", "true")

		// release all OPTIONS methods
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, openapi.Response{Code: code, Error: err.Error()})
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusCode(err)
	c.JSON(code, openapi.Response{Code: code, Error: err.Error()})
}

func (s *Server) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, openapi.Response{Code: http.StatusOK, Data: data})
}

// statusCode maps the error taxonomy onto http, invalid requests are the caller's to fix
func statusCode(err error) int {
	switch {
	case errorutil.IsConfig(err):
		return http.StatusBadRequest
	case errorutil.IsNotOwner(err), errorutil.IsDataConflict(err):
		return http.StatusConflict
	case errorutil.IsTransient(err), errorutil.IsTimeout(err), errorutil.IsNotInitialized(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) APIListJobs(c *gin.Context) {
	jobs, err := service.ListJobs(c.Request.Context(), s.repo)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, jobs)
}

func (s *Server) APISubmitJob(c *gin.Context) {
	var req openapi.APISubmitJobJSONRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errorutil.Config.Wrap(err, "job request decode"))
		return
	}
	j := job.NewJob(req.Mode, req.Source, req.Target)
	if req.ID != "" {
		j.ID = req.ID
	}
	j.InventorySplit = req.InventorySplit

	submitted, err := service.SubmitJob(c.Request.Context(), s.repo, j)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, submitted)
}

func (s *Server) APIGetJobStatus(c *gin.Context, jobId string) {
	status, err := service.StatusJob(c.Request.Context(), s.repo, jobId)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, status)
}

func (s *Server) APIPauseJob(c *gin.Context, jobId string) {
	s.signal(c, jobId, service.PauseJob(c.Request.Context(), s.repo, jobId))
}

func (s *Server) APIResumeJob(c *gin.Context, jobId string) {
	s.signal(c, jobId, service.ResumeJob(c.Request.Context(), s.repo, jobId))
}

func (s *Server) APIStopJob(c *gin.Context, jobId string) {
	s.signal(c, jobId, service.StopJob(c.Request.Context(), s.repo, jobId))
}

func (s *Server) signal(c *gin.Context, jobId string, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, map[string]string{"jobId": jobId})
}

func (s *Server) APIListWorkers(c *gin.Context) {
	workers := make([]*etcdutil.Worker, 0)
	if s.discoveries != nil {
		found, err := s.discoveries.GetAllWorker()
		if err != nil {
			s.fail(c, err)
			return
		}
		workers = append(workers, found...)
	}
	s.ok(c, workers)
}
