// Package web embeds the dashboard's templates and static assets.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed css/*.css js/*.js
var staticFS embed.FS

func GetTemplatesFS() fs.FS {
	sub, _ := fs.Sub(templatesFS, "templates")
	return sub
}

// GetStaticFS serves css/ and js/ under /static/.
func GetStaticFS() fs.FS {
	return staticFS
}
