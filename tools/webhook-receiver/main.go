// Command webhook-receiver is a development stand-in for both ends of the
// state manager's HTTP traffic: it accepts graph trigger calls and
// GRAPH_FAILED webhooks and exposes what it saw on /stats.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

const maxStored = 50

type request struct {
	Timestamp string            `json:"timestamp"`
	Kind      string            `json:"kind"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Signature string            `json:"signature,omitempty"` // valid, invalid or unsigned
}

type stats struct {
	Triggers     int64     `json:"triggers"`
	Webhooks     int64     `json:"webhooks"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

type receiver struct {
	secret       string
	failTriggers bool

	mu       sync.Mutex
	triggers int64
	webhooks int64
	last     []request
	since    time.Time
}

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	r := &receiver{
		secret:       os.Getenv("WEBHOOK_SECRET"),
		failTriggers: os.Getenv("FAIL_TRIGGERS") == "true",
		since:        time.Now().UTC(),
	}

	log.Printf("webhook-receiver listening on %s (fail_triggers=%v)", addr, r.failTriggers)
	log.Fatal(http.ListenAndServe(addr, r.routes()))
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v0/namespace/{namespace}/graph/{graph}/trigger", rc.triggerHandler)
	mux.HandleFunc("POST /hook", rc.hookHandler)
	mux.HandleFunc("GET /stats", rc.statsHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.mu.Lock()
		rc.triggers, rc.webhooks, rc.last = 0, 0, nil
		rc.since = time.Now().UTC()
		rc.mu.Unlock()
		fmt.Fprintln(w, "reset")
	})
	return mux
}

func capture(r *http.Request, kind string) (request, []byte) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return request{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		Path:      r.URL.Path,
		Headers:   headers,
		Body:      string(body),
	}, body
}

func (rc *receiver) record(req request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if req.Kind == "trigger" {
		rc.triggers++
	} else {
		rc.webhooks++
	}
	rc.last = append(rc.last, req)
	if len(rc.last) > maxStored {
		rc.last = rc.last[len(rc.last)-maxStored:]
	}
}

func (rc *receiver) triggerHandler(w http.ResponseWriter, r *http.Request) {
	req, _ := capture(r, "trigger")
	rc.record(req)
	log.Printf("trigger %s/%s request_id=%s", r.PathValue("namespace"), r.PathValue("graph"), r.Header.Get("X-Request-ID"))

	if rc.failTriggers {
		http.Error(w, "trigger rejected by FAIL_TRIGGERS", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"CREATED","run_id":"dev-%d"}`, time.Now().UnixNano())
}

func (rc *receiver) hookHandler(w http.ResponseWriter, r *http.Request) {
	req, body := capture(r, "webhook")

	switch sig := r.Header.Get("X-Exosphere-Signature"); {
	case sig == "":
		req.Signature = "unsigned"
	case rc.secret != "" && verify(rc.secret, body, sig):
		req.Signature = "valid"
	default:
		req.Signature = "invalid"
	}
	rc.record(req)

	log.Printf("webhook %s (%s): %s", r.Header.Get("X-Exosphere-Event"), req.Signature, string(body))
	w.WriteHeader(http.StatusNoContent)
}

func verify(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (rc *receiver) statsHandler(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Triggers:     rc.triggers,
		Webhooks:     rc.webhooks,
		LastRequests: append([]request(nil), rc.last...),
		Since:        rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
