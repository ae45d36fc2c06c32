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
package stringutil

import (
	"encoding/json"
	"net"
	"strings"
)

const (
	schemeHTTP  = "http://"
	schemeHTTPS = "https://"
)

func unwrapScheme(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, schemeHTTPS) {
		return s[len(schemeHTTPS):]
	}
	return strings.TrimPrefix(s, schemeHTTP)
}

// WrapScheme adds the http or https scheme to an address, a scheme already present is replaced
func WrapScheme(s string, https bool) string {
	if s == "" {
		return s
	}
	if https {
		return schemeHTTPS + unwrapScheme(s)
	}
	return schemeHTTP + unwrapScheme(s)
}

// WrapSchemes is WrapScheme over a comma separated address list
func WrapSchemes(str string, https bool) []string {
	items := strings.Split(str, ",")
	output := make([]string, 0, len(items))
	for _, s := range items {
		output = append(output, WrapScheme(s, https))
	}
	return output
}

// MemberName names a cluster member after its peer address, "<prefix>_<host with dashes>_<port>"
func MemberName(prefix, peerAddr string) string {
	host, port, err := net.SplitHostPort(unwrapScheme(peerAddr))
	if err != nil || host == "" {
		return ""
	}
	return StringBuilder(prefix, "_", strings.NewReplacer(".", "-", ":", "-").Replace(host), "_", port)
}

// LocalMemberName returns the member name of the peer address served on localHost
func LocalMemberName(prefix, localHost, peerAddrs string) string {
	for _, item := range strings.Split(peerAddrs, ",") {
		host, _, err := net.SplitHostPort(unwrapScheme(item))
		if err == nil && strings.EqualFold(host, localHost) {
			return MemberName(prefix, item)
		}
	}
	return ""
}

// InitialCluster renders peer addresses as "name=url,..." with names from MemberName
func InitialCluster(peerAddrs, prefix string, https bool) string {
	items := strings.Split(peerAddrs, ",")
	output := make([]string, 0, len(items))
	for _, item := range items {
		output = append(output, StringBuilder(MemberName(prefix, item), "=", WrapScheme(item, https)))
	}
	return strings.Join(output, ",")
}

// ClusterHosts returns the distinct hosts of an initial cluster
func ClusterHosts(initialCluster string) map[string]struct{} {
	hosts := make(map[string]struct{})
	for _, item := range strings.Split(initialCluster, ",") {
		_, url, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		if host, _, err := net.SplitHostPort(unwrapScheme(url)); err == nil {
			hosts[host] = struct{}{}
		}
	}
	return hosts
}

// LoopbackHostPort fills an empty host with the loopback address
func LoopbackHostPort(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}

// MarshalJSON returns the json text of v
func MarshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return BytesToString(data), nil
}
