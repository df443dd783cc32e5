package config

import "embed"

const topicsSchemaFile = "schema/topics.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
