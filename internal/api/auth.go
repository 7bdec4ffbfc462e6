package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

const authRealm = `Basic realm="clusterd"`

// credentialError describes why a request failed basic authentication.
type credentialError struct {
	msg string
	err error
}

// checkCredentials validates the Authorization header, or the base64
// credentials of the auth query parameter when no header is sent.
func checkCredentials(header, query, username, password string) *credentialError {
	encoded := query
	if header != "" {
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return &credentialError{msg: "Invalid authentication type"}
		}
		encoded = header[len(prefix):]
	}
	if encoded == "" {
		return &credentialError{msg: "Authentication required"}
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return &credentialError{msg: "Invalid credentials format", err: err}
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return &credentialError{msg: "Invalid credentials format"}
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
		subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
		return &credentialError{msg: "Invalid credentials"}
	}
	return nil
}

// basicAuthMiddleware checks HTTP basic credentials on operations that
// declare a security requirement. SSE clients may pass the base64
// credentials in the auth query parameter instead of a header.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		if cerr := checkCredentials(ctx.Header("Authorization"), ctx.Query("auth"), username, password); cerr != nil {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			var errs []error
			if cerr.err != nil {
				errs = append(errs, cerr.err)
			}
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, cerr.msg, errs...)
			return
		}

		next(ctx)
	}
}

// requireBasicAuth guards a plain handler mounted next to the huma API.
func requireBasicAuth(h http.Handler, username, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cerr := checkCredentials(r.Header.Get("Authorization"), r.URL.Query().Get("auth"), username, password); cerr != nil {
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, cerr.msg, http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// withAuth returns the basic auth security requirement.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
