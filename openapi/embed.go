// Package openapi carries the API description document for embedding.
package openapi

import _ "embed"

//go:embed openapi.yaml
var Doc []byte
