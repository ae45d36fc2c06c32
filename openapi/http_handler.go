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
	"net/http"
	"net/http/pprof"

	"github.com/wentaojin/scaling/metrics"
)

// HTTPHandles is the path table the master mounts on the embed etcd client listener
func HTTPHandles(api http.Handler) map[string]http.Handler {
	return map[string]http.Handler{
		ScalingAPIBasePath: api,
		DebugAPIBasePath:   debugHandler(),
		MetricsAPIBasePath: metrics.Handler(),
	}
}

func debugHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(DebugAPIBasePath, pprof.Index)
	mux.HandleFunc(DebugAPIBasePath+"cmdline", pprof.Cmdline)
	mux.HandleFunc(DebugAPIBasePath+"profile", pprof.Profile)
	mux.HandleFunc(DebugAPIBasePath+"symbol", pprof.Symbol)
	mux.HandleFunc(DebugAPIBasePath+"trace", pprof.Trace)
	return mux
}
