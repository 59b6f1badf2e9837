package api

import (
    _ "embed"
    "fmt"
    "net/http"
    "sync"

    "gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var openAPIJSON = sync.OnceValues(func() (any, error) {
    var doc any
    if err := yaml.Unmarshal(openAPIYAML, &doc); err != nil { return nil, err }
    return jsonCompatible(doc)
})

// jsonCompatible rewrites yaml maps so encoding/json accepts them.
func jsonCompatible(v any) (any, error) {
    switch t := v.(type) {
    case map[string]any:
        for k, e := range t {
            c, err := jsonCompatible(e)
            if err != nil { return nil, err }
            t[k] = c
        }
        return t, nil
    case map[any]any:
        out := make(map[string]any, len(t))
        for k, e := range t {
            c, err := jsonCompatible(e)
            if err != nil { return nil, err }
            out[fmt.Sprint(k)] = c
        }
        return out, nil
    case []any:
        for i, e := range t {
            c, err := jsonCompatible(e)
            if err != nil { return nil, err }
            t[i] = c
        }
        return t, nil
    }
    return v, nil
}

// OpenAPIHandler serves the OpenAPI document
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
    w.Header().Set("Content-Type", "application/yaml")
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write(openAPIYAML)
}

func (s *Server) OpenAPIJSONHandler(w http.ResponseWriter, r *http.Request) {
    doc, err := openAPIJSON()
    if err != nil { writeProblem(w, http.StatusInternalServerError, "OpenAPI not available", err.Error(), r.URL.Path); return }
    writeJSON(w, http.StatusOK, doc)
}

// DocsHandler serves a minimal ReDoc page referencing /openapi.yaml
func (s *Server) DocsHandler(w http.ResponseWriter, r *http.Request) {
    w.Header().Set("Content-Type", "text/html; charset=utf-8")
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write([]byte(`<!DOCTYPE html><html><head><title>Off the Grid Webhooks API</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.jsdelivr.net/npm/redoc@next/bundles/redoc.standalone.js"></script>
    </head><body>
    <redoc spec-url="/openapi.yaml"></redoc>
    </body></html>`))
}
