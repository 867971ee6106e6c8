package handlers

import (
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"polydev/internal/logging"
	"polydev/internal/models"
	"polydev/internal/service"
)

// ServiceRow is one service on the dashboard.
type ServiceRow struct {
	models.ServiceDescriptor
	Process models.ProcessStatus
}

type PageData struct {
	Title           string
	Workspace       string
	Services        []ServiceRow
	Running         int
	Total           int
	RefreshInterval time.Duration
	// RefreshMillis feeds the dashboard's polling timer.
	RefreshMillis int64
}

// StatusReader is the read side of the supervisor.
type StatusReader interface {
	Status(name string) models.ProcessStatus
}

type TemplateHandler struct {
	templates *template.Template
	catalog   Catalog
	status    StatusReader
	workspace string
	refresh   time.Duration
}

var templateFuncs = template.FuncMap{
	"uptime": service.FormatUptime,
	"upper":  strings.ToUpper,
	"running": func(s models.ProcessStatus) bool {
		return s.Running()
	},
}

func NewTemplateHandler(templatesFS fs.FS, catalog Catalog, status StatusReader, workspace string, refresh time.Duration) (*TemplateHandler, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templatesFS, "*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateHandler{
		templates: tmpl,
		catalog:   catalog,
		status:    status,
		workspace: workspace,
		refresh:   refresh,
	}, nil
}

func (th *TemplateHandler) buildPageData() (PageData, error) {
	descs, err := th.catalog.Select(nil)
	if err != nil {
		return PageData{}, err
	}
	data := PageData{
		Title:           "polydev - " + th.workspace,
		Workspace:       th.workspace,
		Total:           len(descs),
		RefreshInterval: th.refresh,
		RefreshMillis:   th.refresh.Milliseconds(),
	}
	for _, d := range descs {
		row := ServiceRow{ServiceDescriptor: d, Process: th.status.Status(d.Name)}
		if row.Process.Running() {
			data.Running++
		}
		data.Services = append(data.Services, row)
	}
	return data, nil
}

// ServeTemplate renders templateName with the live service list.
func (th *TemplateHandler) ServeTemplate(templateName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := th.buildPageData()
		if err != nil {
			logging.Error().Err(err).Msg("building dashboard data failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := th.templates.ExecuteTemplate(w, templateName+".html", data); err != nil {
			logging.Error().Err(err).Str("template", templateName).Msg("error executing template")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}
