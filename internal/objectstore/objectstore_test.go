package objectstore_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"callsync/internal/objectstore"
	"callsync/internal/services"
)

func TestHTTPStorePutSendsFileField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "OggS-audio" || header.Filename != "EG1.ogg" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		if ct := header.Header.Get("Content-Type"); ct != "audio/ogg" {
			t.Errorf("unexpected part content type %q", ct)
		}
		w.Write([]byte(`{"success":true,"url":"https://files.example.com/EG1.ogg","size":10}`))
	}))
	defer srv.Close()

	store := objectstore.NewHTTP(srv.URL, 0, nil)
	obj, err := store.Put(context.Background(), "/recordings/EG1.ogg", strings.NewReader("OggS-audio"), 10)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.URL != "https://files.example.com/EG1.ogg" || obj.Size != 10 {
		t.Fatalf("unexpected object %+v", obj)
	}
}

func TestHTTPStoreAcceptsNestedData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"success":true,"data":{"url":"https://cdn.example.com/a.ogg"}}`))
	}))
	defer srv.Close()

	obj, err := objectstore.NewHTTP(srv.URL, 0, nil).Put(context.Background(), "a.ogg", strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.URL != "https://cdn.example.com/a.ogg" || obj.Size != 3 {
		t.Fatalf("unexpected object %+v", obj)
	}
}

func TestHTTPStoreFailuresAreTransient(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter){
		"status": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"unsuccessful": func(w http.ResponseWriter) {
			w.Write([]byte(`{"success":false,"message":"quota exceeded"}`))
		},
		"not json": func(w http.ResponseWriter) {
			w.Write([]byte(`<html>`))
		},
	}
	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				respond(w)
			}))
			defer srv.Close()

			_, err := objectstore.NewHTTP(srv.URL, 0, nil).Put(context.Background(), "a.ogg", strings.NewReader("abc"), 3)
			if !errors.Is(err, services.ErrTransient) {
				t.Fatalf("expected transient error, got %v", err)
			}
		})
	}
}

func TestHTTPStoreStatusErrorCarriesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	_, err := objectstore.NewHTTP(srv.URL, 0, nil).Put(context.Background(), "a.ogg", strings.NewReader("abc"), 3)
	var herr *services.HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if herr.StatusCode != http.StatusBadGateway || herr.Body != "upstream unavailable" {
		t.Fatalf("unexpected http error %+v", herr)
	}
}

func TestObjectNamingAndURLs(t *testing.T) {
	if got := objectstore.ObjectName("/recordings/", "/data/EG1.ogg"); got != "recordings/EG1.ogg" {
		t.Fatalf("ObjectName = %q", got)
	}
	if got := objectstore.ObjectName("", "EG1.ogg"); got != "EG1.ogg" {
		t.Fatalf("ObjectName without prefix = %q", got)
	}
	if got := objectstore.PublicURL("https://cdn.example.com/", "bucket", "recordings/EG1.ogg"); got != "https://cdn.example.com/recordings/EG1.ogg" {
		t.Fatalf("PublicURL = %q", got)
	}
	if got := objectstore.PublicURL("", "bucket", "EG1.ogg"); got != "https://storage.googleapis.com/bucket/EG1.ogg" {
		t.Fatalf("PublicURL fallback = %q", got)
	}
	if got := objectstore.ContentType("x.wav"); !strings.HasPrefix(got, "audio/") {
		t.Fatalf("ContentType(wav) = %q", got)
	}
}
