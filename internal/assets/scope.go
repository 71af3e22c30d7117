// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package assets

import (
	"fmt"
	"net/url"
	"strings"
)

// Scope is the visibility level an asset belongs to.
type Scope string

const (
	ScopeDispatch Scope = "dispatch"
	ScopeLattice  Scope = "lattice"
	ScopeNode     Scope = "node"
)

// URIPolicy controls how asset URIs are presented to callers outside the
// execution boundary.
type URIPolicy string

const (
	// PolicyRaw returns storage URIs unchanged.
	PolicyRaw URIPolicy = "raw"

	// PolicyHTTP rewrites URIs to an HTTP asset endpoint under a base URL.
	PolicyHTTP URIPolicy = "http"
)

// ParseURIPolicy validates a policy name.
func ParseURIPolicy(s string) (URIPolicy, error) {
	switch URIPolicy(strings.ToLower(s)) {
	case PolicyRaw, "":
		return PolicyRaw, nil
	case PolicyHTTP:
		return PolicyHTTP, nil
	}
	return "", fmt.Errorf("unknown uri policy %q", s)
}

// URIFilter rewrites asset URIs per scope.
type URIFilter struct {
	Policy  URIPolicy
	BaseURL string
}

// Filter returns the URI a caller should use for the asset stored at uri.
func (f URIFilter) Filter(uri string, scope Scope, dispatchID, nodeID, key string) string {
	if f.Policy != PolicyHTTP || uri == "" {
		return uri
	}
	base := strings.TrimRight(f.BaseURL, "/") + "/api/v1/dispatches/" + url.PathEscape(dispatchID)
	switch scope {
	case ScopeNode:
		return base + "/nodes/" + url.PathEscape(nodeID) + "/assets/" + url.PathEscape(key)
	default:
		return base + "/" + string(scope) + "/assets/" + url.PathEscape(key)
	}
}
