package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

func main() {
	started := time.Now().UTC().Truncate(time.Second)
	body := "hello from demo-origin\n"
	sum := sha1.Sum([]byte(body))
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`

	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", started.Format(http.TimeFormat))
		w.Header().Set("Cache-Control", "max-age=30")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		d, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		time.Sleep(time.Duration(d) * time.Millisecond)
		w.Header().Set("Cache-Control", "no-store")
		fmt.Fprintf(w, "slept %dms\n", d)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "line %d\n", i)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	log.Println("demo-origin listening on :9000")
	log.Fatal(http.ListenAndServe(":9000", mux))
}
