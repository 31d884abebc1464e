package config

import "embed"

const gatewaySchemaFile = "schema/gateway.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
