package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestRegister_Handlers(t *testing.T) {
	type want struct {
		code int
		body string
	}
	tests := []struct {
		name  string
		path  string
		store Pinger
		want  want
	}{
		{name: "healthz ok", path: "/healthz", store: fakePinger{}, want: want{code: http.StatusOK, body: "ok"}},
		{name: "healthz ignores store", path: "/healthz", store: fakePinger{err: errors.New("locked")}, want: want{code: http.StatusOK, body: "ok"}},
		{name: "readyz ok", path: "/readyz", store: fakePinger{}, want: want{code: http.StatusOK, body: "ready"}},
		{name: "readyz store down", path: "/readyz", store: fakePinger{err: errors.New("decode failed")}, want: want{code: http.StatusServiceUnavailable, body: "not ready"}},
		{name: "legacy health", path: "/health", store: fakePinger{}, want: want{code: http.StatusOK, body: `{"status":"healthy"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			Register(mux, tt.store)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.want.code {
				t.Errorf("status code mismatch\n got=%#v\nwant=%#v", rec.Code, tt.want.code)
			}
			if body := rec.Body.String(); body != tt.want.body {
				t.Errorf("body mismatch\n got=%#v\nwant=%#v", body, tt.want.body)
			}
		})
	}
}
