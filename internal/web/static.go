package web

import (
	"embed"
)

// staticFiles holds the control page. The final binary includes every file
// under static/.
//
//go:embed static/*
var staticFiles embed.FS
