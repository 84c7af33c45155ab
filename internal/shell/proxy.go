package shell

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/apiserver"
	"github.com/klubi/conduit/internal/secret"
)

// handleProxy forwards /api/v1alpha1/windows/{id}/<rest> to the window's
// backend as /api/v1alpha1/<rest> (and .../status to /status). The call is
// cancelled when the window closes.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	win, err := s.windows.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := win.Fatal(); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess := win.Session()
	target, err := url.Parse(sess.BaseURL())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	prefix := "/api/v1alpha1/windows/" + id
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	upstreamPath := "/api/v1alpha1" + rest
	if rest == "/status" {
		upstreamPath = "/status"
	}

	ctx, stop := bindContext(r.Context(), win.Context())
	defer stop()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = upstreamPath
			pr.Out.URL.RawPath = ""
			pr.Out.Header.Set(secret.HeaderName, sess.Secret())
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if ctxErr := r.Context().Err(); ctxErr != nil {
				if winErr := win.Fatal(); winErr != nil {
					err = winErr
				} else {
					err = fmt.Errorf("window %s: %w", win.ID, ctxErr)
				}
			} else {
				err = fmt.Errorf("window %s backend unreachable: %w", win.ID, err)
			}
			s.logger.Debug("proxy call failed", zap.String("window", win.ID), zap.Error(err))
			apiserver.WriteError(w, r, err, s.logger)
		},
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}
