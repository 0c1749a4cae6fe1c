//go:build embed_openapi

package api

import "optiq/openapi"

func openAPILoad() ([]byte, error) { return openapi.Doc, nil }
