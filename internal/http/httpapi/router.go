package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"imageforge/internal/http/handlers"
	"imageforge/internal/infra"
	"imageforge/internal/middleware"
)

// Options configures router construction.
type Options struct {
	App            *handlers.App
	Logger         infra.Logger
	AllowedOrigins []string
	// StaticImageDir, when set, serves stored images under /images/.
	StaticImageDir string
}

func NewRouter(opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	app := opts.App
	r.Get("/v1/healthz", app.Health)
	// Query form of the progress stream, kept for clients built against the
	// flat route.
	r.Get("/v1/progress", app.GenerationsProgress)

	r.Route("/v1/generations", func(r chi.Router) {
		r.Post("/", app.GenerationsCreate)
		r.Get("/", app.GenerationsList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GenerationsGet)
			r.Delete("/", app.GenerationsDelete)
			r.Post("/refine", app.GenerationsRefine)
			r.Get("/progress", app.GenerationsProgress)
			r.Get("/download", app.GenerationsDownload)
		})
	})

	if opts.StaticImageDir != "" {
		fs := stdhttp.StripPrefix("/images/", stdhttp.FileServer(stdhttp.Dir(opts.StaticImageDir)))
		r.Get("/images/*", fs.ServeHTTP)
	}

	return r
}
