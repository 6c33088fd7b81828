package httpd

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirenhq/siren/auth"
)

// statistics gathered by the httpd package.
const (
	statRequest       = "req"        // Number of HTTP requests served
	statHealthRequest = "health_req" // Number of health requests served
	statAuthFail      = "auth_fail"  // Number of requests that failed to authenticate
)

// AuthorizationHandler is a handler that requires an authenticated principal.
type AuthorizationHandler func(http.ResponseWriter, *http.Request, auth.Principal)

type Route struct {
	Method      string
	Pattern     string
	HandlerFunc interface{}
	NoJSON      bool
	NoGzip      bool
}

// HealthInfo is the body of the health endpoint.
type HealthInfo struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Features map[string]bool `json:"features"`
}

// Handler represents the HTTP handler for the siren API server.
type Handler struct {
	methodMux map[string]*ServeMux

	requireAuthentication bool
	sharedSecret          string

	pprofEnabled   bool
	metricsEnabled bool

	allowGzip bool

	Version string

	// PrincipalResolver resolves a verified token identity into a Principal.
	PrincipalResolver interface {
		Principal(email string) (auth.Principal, error)
	}

	// Health reports current status and enabled features.
	Health func() HealthInfo

	// Gatherer serves the metrics endpoint when metrics are enabled.
	Gatherer prometheus.Gatherer

	// DiagService allows changing the log level at runtime.
	DiagService interface {
		SetLevelFromName(lvl string) error
	}

	loggingEnabled bool

	diag Diagnostic

	statMap *expvar.Map
}

// NewHandler returns a new instance of Handler with the builtin routes.
func NewHandler(
	requireAuthentication,
	pprofEnabled,
	metricsEnabled,
	loggingEnabled,
	allowGzip bool,
	statMap *expvar.Map,
	d Diagnostic,
	sharedSecret string,
) *Handler {
	h := &Handler{
		methodMux:             make(map[string]*ServeMux),
		requireAuthentication: requireAuthentication,
		sharedSecret:          sharedSecret,
		pprofEnabled:          pprofEnabled,
		metricsEnabled:        metricsEnabled,
		allowGzip:             allowGzip,
		loggingEnabled:        loggingEnabled,
		diag:                  d,
		statMap:               statMap,
	}

	allowedMethods := []string{
		"GET",
		"POST",
		"PUT",
		"PATCH",
		"DELETE",
		"HEAD",
		"OPTIONS",
	}
	for _, method := range allowedMethods {
		h.methodMux[method] = NewServeMux()
	}

	h.AddRoutes([]Route{
		{
			Method:      "GET",
			Pattern:     "/health",
			HandlerFunc: h.serveHealth,
		},
		{
			Method:      "HEAD",
			Pattern:     "/health",
			HandlerFunc: h.serveHealth,
		},
		{
			Method:      "POST",
			Pattern:     "/loglevel",
			HandlerFunc: h.serveLogLevel,
		},
	})

	if h.metricsEnabled {
		h.AddRoutes([]Route{{
			Method:      "GET",
			Pattern:     "/metrics",
			HandlerFunc: h.serveMetrics,
			NoJSON:      true,
		}})
	}

	if h.pprofEnabled {
		h.AddRoutes([]Route{
			{
				Method:      "GET",
				Pattern:     "/debug/pprof/",
				HandlerFunc: pprof.Index,
				NoJSON:      true,
				NoGzip:      true,
			},
			{
				Method:      "GET",
				Pattern:     "/debug/pprof/cmdline",
				HandlerFunc: pprof.Cmdline,
				NoJSON:      true,
				NoGzip:      true,
			},
			{
				Method:      "GET",
				Pattern:     "/debug/pprof/profile",
				HandlerFunc: pprof.Profile,
				NoJSON:      true,
				NoGzip:      true,
			},
			{
				Method:      "GET",
				Pattern:     "/debug/pprof/symbol",
				HandlerFunc: pprof.Symbol,
				NoJSON:      true,
				NoGzip:      true,
			},
			{
				Method:      "GET",
				Pattern:     "/debug/pprof/trace",
				HandlerFunc: pprof.Trace,
				NoJSON:      true,
				NoGzip:      true,
			},
		})
	}

	return h
}

func (h *Handler) AddRoutes(routes []Route) error {
	for _, r := range routes {
		if err := h.AddRoute(r); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) AddRoute(r Route) error {
	if len(r.Pattern) == 0 || r.Pattern[0] != '/' {
		return fmt.Errorf("route patterns must begin with a '/' %q", r.Pattern)
	}

	var handler http.Handler
	switch hf := r.HandlerFunc.(type) {
	case func(http.ResponseWriter, *http.Request, auth.Principal):
		// Handlers receiving a principal require bearer authentication.
		handler = h.authenticate(AuthorizationHandler(hf))
	case AuthorizationHandler:
		handler = h.authenticate(hf)
	case func(http.ResponseWriter, *http.Request):
		handler = http.HandlerFunc(hf)
	case http.HandlerFunc:
		handler = hf
	default:
		return errors.New("route does not have a valid handler function")
	}

	if !r.NoJSON {
		handler = jsonContent(handler)
	}
	if h.allowGzip && !r.NoGzip {
		handler = gzipFilter(handler)
	}
	handler = versionHeader(handler, h)
	handler = cors(handler)
	handler = requestID(handler)
	if h.loggingEnabled {
		handler = logHandler(handler, h.diag)
	}
	handler = recovery(handler, h.diag) // recovery is always last

	mux, ok := h.methodMux[r.Method]
	if !ok {
		return fmt.Errorf("unsupported method %q", r.Method)
	}
	return mux.Handle(r.Pattern, handler)
}

func (h *Handler) DelRoutes(routes []Route) {
	for _, r := range routes {
		h.DelRoute(r)
	}
}

// DelRoute removes a route from the handler. No-op if the route does not exist.
func (h *Handler) DelRoute(r Route) {
	mux, ok := h.methodMux[r.Method]
	if ok {
		mux.Deregister(r.Pattern)
	}
}

// ServeHTTP responds to HTTP requests to the handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statRequest, 1)
	method := r.Method
	if method == "" {
		method = "GET"
	}
	if mux, ok := h.methodMux[method]; ok {
		mux.ServeHTTP(w, r)
	} else {
		HttpError(w, "Not Found", true, http.StatusNotFound)
	}
}

// serveHealth returns the server status and the set of enabled features.
func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statHealthRequest, 1)
	if r.Method == "HEAD" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	info := HealthInfo{Status: "ok", Version: h.Version}
	if h.Health != nil {
		info = h.Health()
	}
	w.WriteHeader(http.StatusOK)
	w.Write(MarshalJSON(info, true))
}

// serveLogLevel sets the log level of the server.
func (h *Handler) serveLogLevel(w http.ResponseWriter, r *http.Request) {
	var opt struct {
		Level string `json:"level"`
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&opt); err != nil {
		HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if h.DiagService == nil {
		HttpError(w, "diagnostic service unavailable", true, http.StatusInternalServerError)
		return
	}
	if err := h.DiagService.SetLevelFromName(opt.Level); err != nil {
		HttpError(w, err.Error(), true, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if h.Gatherer == nil {
		HttpError(w, "metrics unavailable", true, http.StatusInternalServerError)
		return
	}
	promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// ServeOptions returns an empty response to comply with OPTIONS pre-flight requests.
func ServeOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// MarshalJSON will marshal v to JSON. Pretty prints if pretty is true.
func MarshalJSON(v interface{}, pretty bool) []byte {
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(v, "", "    ")
	} else {
		b, err = json.Marshal(v)
	}

	if err != nil {
		type errResponse struct {
			Error string `json:"error"`
		}
		er := errResponse{Error: err.Error()}
		b, _ = json.Marshal(er)
	}
	return b
}

// HttpError writes an error to the client in a standard format.
func HttpError(w http.ResponseWriter, err string, pretty bool, code int) {
	w.WriteHeader(code)

	type errResponse struct {
		Error string `json:"error"`
	}

	response := errResponse{Error: err}
	var b []byte
	if pretty {
		b, _ = json.MarshalIndent(response, "", "    ")
	} else {
		b, _ = json.Marshal(response)
	}
	w.Write(b)
}

// Filters and filter helpers

// authenticate wraps an AuthorizationHandler and verifies the bearer
// credential before invoking it. When authentication is disabled an
// unrestricted local principal is used.
func (h *Handler) authenticate(inner AuthorizationHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.requireAuthentication {
			inner(w, r, auth.Principal{Email: "root@localhost", SuperAdmin: true})
			return
		}

		token, err := parseBearerToken(r)
		if err != nil {
			h.statMap.Add(statAuthFail, 1)
			HttpError(w, err.Error(), false, http.StatusUnauthorized)
			return
		}

		email, err := h.verifyToken(token)
		if err != nil {
			h.statMap.Add(statAuthFail, 1)
			HttpError(w, err.Error(), false, http.StatusUnauthorized)
			return
		}

		if h.PrincipalResolver == nil {
			HttpError(w, "authentication unavailable", false, http.StatusInternalServerError)
			return
		}
		principal, err := h.PrincipalResolver.Principal(email)
		if err != nil {
			h.statMap.Add(statAuthFail, 1)
			HttpError(w, err.Error(), false, http.StatusUnauthorized)
			return
		}
		inner(w, r, principal)
	})
}

// verifyToken parses and validates an HMAC signed JWT and returns the
// identity claim.
func (h *Handler) verifyToken(tokenStr string) (string, error) {
	keyLookupFn := func(token *jwt.Token) (interface{}, error) {
		// Check for expected signing method.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.sharedSecret), nil
	}

	token, err := jwt.Parse(tokenStr, keyLookupFn)
	if err != nil {
		return "", fmt.Errorf("invalid token: %s", err.Error())
	} else if !token.Valid {
		return "", errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		// This should not be possible, but just in case.
		return "", errors.New("invalid claims type")
	}

	// The exp claim is validated internally as long as it exists and is non-zero.
	// Make sure a non-zero expiration was set on the token.
	if exp, ok := claims["exp"].(float64); !ok || exp <= 0.0 {
		return "", errors.New("token expiration required")
	}

	email, ok := claims["email"].(string)
	if !ok {
		return "", errors.New("email claim in token must be a string")
	} else if email == "" {
		return "", errors.New("token must contain an email claim")
	}
	return email, nil
}

// parseBearerToken extracts the bearer token from the Authorization header.
func parseBearerToken(r *http.Request) (string, error) {
	s := r.Header.Get("Authorization")
	if s == "" {
		return "", errors.New("missing Authorization header")
	}
	strs := strings.Split(s, " ")
	if len(strs) != 2 || strs[0] != "Bearer" {
		return "", errors.New("unable to parse bearer credentials")
	}
	return strs[1], nil
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w gzipResponseWriter) Flush() {
	w.Writer.(*gzip.Writer).Flush()
}

// determines if the client can accept compressed responses, and encodes accordingly
func gzipFilter(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			inner.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gzw := gzipResponseWriter{Writer: gz, ResponseWriter: w}
		inner.ServeHTTP(gzw, r)
	})
}

func jsonContent(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		inner.ServeHTTP(w, r)
	})
}

// versionHeader adds the X-SIREN-Version header to outgoing responses.
func versionHeader(inner http.Handler, h *Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("X-Siren-Version", h.Version)
		inner.ServeHTTP(w, r)
	})
}

// cors responds to incoming requests and adds the appropriate cors headers
func cors(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set(`Access-Control-Allow-Origin`, origin)
			w.Header().Set(`Access-Control-Allow-Methods`, strings.Join([]string{
				`DELETE`,
				`GET`,
				`OPTIONS`,
				`POST`,
				`PUT`,
			}, ", "))

			w.Header().Set(`Access-Control-Allow-Headers`, strings.Join([]string{
				`Accept`,
				`Accept-Encoding`,
				`Authorization`,
				`Content-Length`,
				`Content-Type`,
			}, ", "))
		}

		if r.Method == "OPTIONS" {
			return
		}

		inner.ServeHTTP(w, r)
	})
}

func requestID(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := uuid.New()
		r.Header.Set("Request-Id", uid.String())
		w.Header().Set("Request-Id", r.Header.Get("Request-Id"))

		inner.ServeHTTP(w, r)
	})
}

func logHandler(inner http.Handler, diag Diagnostic) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := &responseLogger{w: w}
		inner.ServeHTTP(l, r)
		diag.HTTP(
			r.RemoteAddr,
			username(r),
			start,
			r.Method,
			r.URL.RequestURI(),
			r.Proto,
			l.Status(),
			r.Referer(),
			r.UserAgent(),
			r.Header.Get("Request-Id"),
			time.Since(start),
		)
	})
}

func recovery(inner http.Handler, diag Diagnostic) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := &responseLogger{w: w}
		defer func() {
			if err := recover(); err != nil {
				diag.RecoveryError(
					"panic serving request",
					fmt.Sprintf("%v", err),
					r.RemoteAddr,
					username(r),
					start,
					r.Method,
					r.URL.RequestURI(),
					r.Proto,
					l.Status(),
					r.Referer(),
					r.UserAgent(),
					r.Header.Get("Request-Id"),
					time.Since(start),
				)
			}
		}()
		inner.ServeHTTP(l, r)
	})
}

func username(r *http.Request) string {
	if u, _, ok := r.BasicAuth(); ok {
		return u
	}
	return ""
}
