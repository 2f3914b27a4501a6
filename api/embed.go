// Package api embeds the OpenAPI document of the relay HTTP surface.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
