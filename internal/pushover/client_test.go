package pushover

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func testCreds() Credentials {
	return Credentials{UserKey: "uk", APIToken: "at"}
}

func TestSendTextOnly(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWithEndpoint(testCreds(), srv.URL)
	report := c.Send(context.Background(), Payload{
		Title:    "Discord: guild - #general",
		Body:     "someone: hello",
		Priority: PriorityHigh,
		Sound:    "cosmic",
	})

	if !report.OK() || report.Delivered != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	want := map[string]string{
		"token":    "at",
		"user":     "uk",
		"message":  "someone: hello",
		"priority": "1",
		"sound":    "cosmic",
		"title":    "Discord: guild - #general",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form[%q] = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestSendTextOnlyNoTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if _, ok := r.PostForm["title"]; ok {
			t.Error("title field should be absent when payload has no title")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWithEndpoint(testCreds(), srv.URL)
	report := c.Send(context.Background(), Payload{Body: "hi", Sound: "pushover"})
	if !report.OK() {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
}

func TestSendTextRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":["application token is invalid"]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewWithEndpoint(testCreds(), srv.URL)
	report := c.Send(context.Background(), Payload{Body: "hi"})

	if report.OK() || report.Delivered != 0 {
		t.Fatalf("expected failure report, got %+v", report)
	}
	derr := report.Failures[0]
	if derr.Stage != StageDeliver || derr.Status != http.StatusBadRequest {
		t.Errorf("unexpected dispatch error: %+v", derr)
	}
	if !strings.Contains(derr.Error(), "400") {
		t.Errorf("error string should carry status: %v", derr)
	}
}

func TestSendImageFanOut(t *testing.T) {
	var mu sync.Mutex
	var bodies []string

	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "broken.png") {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Write([]byte("fake-image-bytes"))
	}))
	defer imgSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("expected multipart request: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, r.FormValue("message"))
		mu.Unlock()

		f, hdr, err := r.FormFile("attachment")
		if err != nil {
			t.Fatalf("missing attachment part: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "image.jpg" {
			t.Errorf("attachment filename = %q, want image.jpg", hdr.Filename)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("attachment content type = %q, want image/jpeg", ct)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "fake-image-bytes" {
			t.Errorf("attachment bytes = %q", data)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer apiSrv.Close()

	c := NewWithEndpoint(testCreds(), apiSrv.URL)
	report := c.Send(context.Background(), Payload{
		Body: "author: look",
		ImageURLs: []string{
			imgSrv.URL + "/a.png",
			imgSrv.URL + "/broken.png",
			imgSrv.URL + "/c.png",
		},
	})

	if report.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", report.Delivered)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(report.Failures))
	}
	derr := report.Failures[0]
	if derr.Stage != StageFetch || !strings.HasSuffix(derr.URL, "broken.png") {
		t.Errorf("unexpected failure: %+v", derr)
	}

	// The same full body text is re-sent with every image.
	for _, body := range bodies {
		if body != "author: look" {
			t.Errorf("image request body = %q, want full text", body)
		}
	}
	if len(bodies) != 2 {
		t.Errorf("api received %d image requests, want 2", len(bodies))
	}
}

func TestSendImageDeliveryRejected(t *testing.T) {
	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	}))
	defer imgSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer apiSrv.Close()

	c := NewWithEndpoint(testCreds(), apiSrv.URL)
	report := c.Send(context.Background(), Payload{
		Body:      "b",
		ImageURLs: []string{imgSrv.URL + "/a.jpg"},
	})

	if report.Delivered != 0 || len(report.Failures) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Failures[0].Stage != StageDeliver {
		t.Errorf("failure stage = %q, want deliver", report.Failures[0].Stage)
	}
}

func TestPriorityValid(t *testing.T) {
	for p := PriorityLowest; p <= PriorityEmergency; p++ {
		if !p.Valid() {
			t.Errorf("priority %d should be valid", p)
		}
	}
	if Priority(-3).Valid() || Priority(3).Valid() {
		t.Error("out-of-range priorities should be invalid")
	}
}
