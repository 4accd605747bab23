// Package diskfake implements an in-memory stand-in for the Yandex Disk
// REST API, faithful enough to exercise the real adapter: directory
// hierarchy, signed upload/download URL indirection, paged listings, move
// with overwrite semantics and publish. Tests also use it to simulate the
// external edits the reconcile subsystem exists to repair.
package diskfake

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type node struct {
	name      string
	dir       bool
	data      []byte
	modified  time.Time
	publicURL string
	children  map[string]*node
}

// Server is a fake disk reachable over HTTP.
type Server struct {
	mu      sync.Mutex
	root    *node
	uploads map[string]string // upload token -> destination path
	ts      *httptest.Server

	// UploadURLCalls counts how many times a signed upload URL was
	// requested. The write pipeline's preflight guarantees hinge on this
	// endpoint never being hit for rejected uploads.
	UploadURLCalls int

	// Intercept, when set, runs before normal handling. Returning a
	// non-zero status short-circuits the request with that status.
	Intercept func(r *http.Request) int
}

// New starts a fake disk server. Callers must Close it.
func New() *Server {
	s := &Server{
		root:    &node{name: "", dir: true, children: map[string]*node{}},
		uploads: map[string]string{},
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the API base URL, suitable for disk.Client.BaseURL.
func (s *Server) URL() string {
	return s.ts.URL + "/v1/disk"
}

// Close shuts the fake down.
func (s *Server) Close() {
	s.ts.Close()
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// lookup walks to the node at p. Callers hold s.mu.
func (s *Server) lookup(p string) *node {
	cur := s.root
	for _, seg := range splitPath(p) {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (s *Server) parentOf(p string) (*node, string) {
	segs := splitPath(p)
	if len(segs) == 0 {
		return nil, ""
	}
	parent := s.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := parent.children[seg]
		if !ok || !next.dir {
			return nil, ""
		}
		parent = next
	}
	return parent, segs[len(segs)-1]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.Intercept != nil {
		if status := s.Intercept(r); status != 0 {
			apiError(w, status, "Intercepted", "request intercepted by test")
			return
		}
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/content/"):
		s.handleContent(w, r)
	case r.URL.Path == "/v1/disk/resources/upload":
		s.handleUploadURL(w, r)
	case r.URL.Path == "/v1/disk/resources/download":
		s.handleDownloadURL(w, r)
	case r.URL.Path == "/v1/disk/resources/move":
		s.handleMove(w, r)
	case r.URL.Path == "/v1/disk/resources/publish":
		s.handlePublish(w, r)
	case r.URL.Path == "/v1/disk/resources":
		switch r.Method {
		case "PUT":
			s.handleMkdir(w, r)
		case "GET":
			s.handleGet(w, r)
		case "DELETE":
			s.handleDelete(w, r)
		default:
			apiError(w, 405, "MethodNotAllowed", "unsupported method")
		}
	default:
		apiError(w, 404, "NotFound", "unknown endpoint "+r.URL.Path)
	}
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.lookup(p); existing != nil {
		apiError(w, 409, "DiskPathPointsToExistentDirectoryError", "resource already exists")
		return
	}
	parent, name := s.parentOf(p)
	if parent == nil {
		apiError(w, 409, "DiskPathDoesntExistsError", "parent folder does not exist")
		return
	}
	parent.children[name] = &node{name: name, dir: true, modified: time.Now(), children: map[string]*node{}}
	writeJSON(w, 201, map[string]string{"href": p, "method": "GET"})
}

func (s *Server) itemJSON(n *node, p string) map[string]interface{} {
	item := map[string]interface{}{
		"name":     n.name,
		"path":     "disk:" + p,
		"modified": n.modified.UTC().Format(time.RFC3339),
	}
	if n.dir {
		item["type"] = "dir"
	} else {
		item["type"] = "file"
		item["size"] = len(n.data)
	}
	if n.publicURL != "" {
		item["public_url"] = n.publicURL
	}
	return item
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := q.Get("path")
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(p)
	if n == nil {
		apiError(w, 404, "DiskNotFoundError", "resource not found")
		return
	}
	body := s.itemJSON(n, p)
	if n.dir {
		limit := 20
		if l := q.Get("limit"); l != "" {
			limit, _ = strconv.Atoi(l)
		}
		offset := 0
		if o := q.Get("offset"); o != "" {
			offset, _ = strconv.Atoi(o)
		}
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		items := make([]map[string]interface{}, 0, limit)
		for i := offset; i < len(names) && i < offset+limit; i++ {
			child := n.children[names[i]]
			items = append(items, s.itemJSON(child, p+"/"+child.name))
		}
		body["_embedded"] = map[string]interface{}{
			"items":  items,
			"limit":  limit,
			"offset": offset,
			"total":  len(names),
		}
	}
	writeJSON(w, 200, body)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, name := s.parentOf(p)
	if parent == nil || parent.children[name] == nil {
		apiError(w, 404, "DiskNotFoundError", "resource not found")
		return
	}
	delete(parent.children, name)
	w.WriteHeader(204)
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UploadURLCalls++
	parent, _ := s.parentOf(p)
	if parent == nil {
		apiError(w, 409, "DiskPathDoesntExistsError", "parent folder does not exist")
		return
	}
	token := fmt.Sprintf("u%d", len(s.uploads)+1)
	s.uploads[token] = p
	writeJSON(w, 200, map[string]interface{}{
		"href":   s.ts.URL + "/content/" + token,
		"method": "PUT",
	})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(p)
	if n == nil || n.dir {
		apiError(w, 404, "DiskNotFoundError", "resource not found")
		return
	}
	q := url.Values{"path": {p}}
	writeJSON(w, 200, map[string]interface{}{
		"href":   s.ts.URL + "/content/get?" + q.Encode(),
		"method": "GET",
	})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method == "GET" {
		n := s.lookup(r.URL.Query().Get("path"))
		if n == nil || n.dir {
			apiError(w, 404, "DiskNotFoundError", "resource not found")
			return
		}
		w.WriteHeader(200)
		w.Write(n.data)
		return
	}

	// signed upload PUT
	token := strings.TrimPrefix(r.URL.Path, "/content/")
	p, ok := s.uploads[token]
	if !ok {
		apiError(w, 410, "FieldValidationError", "upload URL expired or unknown")
		return
	}
	parent, name := s.parentOf(p)
	if parent == nil {
		apiError(w, 409, "DiskPathDoesntExistsError", "parent folder does not exist")
		return
	}
	data, _ := io.ReadAll(r.Body)
	parent.children[name] = &node{name: name, data: data, modified: time.Now()}
	w.WriteHeader(201)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("path")
	overwrite := q.Get("overwrite") == "true"
	s.mu.Lock()
	defer s.mu.Unlock()

	srcParent, srcName := s.parentOf(from)
	if srcParent == nil || srcParent.children[srcName] == nil {
		apiError(w, 404, "DiskNotFoundError", "source not found")
		return
	}
	if existing := s.lookup(to); existing != nil && !overwrite {
		apiError(w, 409, "DiskResourceAlreadyExistsError", "destination already exists")
		return
	}
	dstParent, dstName := s.parentOf(to)
	if dstParent == nil {
		apiError(w, 409, "DiskPathDoesntExistsError", "destination parent does not exist")
		return
	}
	n := srcParent.children[srcName]
	delete(srcParent.children, srcName)
	n.name = dstName
	dstParent.children[dstName] = n
	writeJSON(w, 201, map[string]string{"href": to, "method": "GET"})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(p)
	if n == nil {
		apiError(w, 404, "DiskNotFoundError", "resource not found")
		return
	}
	n.publicURL = "https://yadi.sk/public/" + strings.ReplaceAll(strings.Trim(p, "/"), "/", "-")
	writeJSON(w, 200, map[string]string{"href": p, "method": "GET"})
}

// The helpers below let tests arrange state and assert on it directly,
// playing the role of a human editing the disk from the web UI.

// MkdirAll creates a directory and all ancestors.
func (s *Server) MkdirAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.root
	for _, seg := range splitPath(p) {
		next, ok := cur.children[seg]
		if !ok {
			next = &node{name: seg, dir: true, modified: time.Now(), children: map[string]*node{}}
			cur.children[seg] = next
		}
		cur = next
	}
}

// WriteFile places a file at p, creating ancestors.
func (s *Server) WriteFile(p string, data []byte) {
	segs := splitPath(p)
	s.MkdirAll(strings.Join(segs[:len(segs)-1], "/"))
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, name := s.parentOf(p)
	parent.children[name] = &node{name: name, data: data, modified: time.Now()}
}

// ReadFile returns a file's bytes, or nil when absent.
func (s *Server) ReadFile(p string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(p)
	if n == nil || n.dir {
		return nil
	}
	return append([]byte(nil), n.data...)
}

// Remove deletes the resource at p if present.
func (s *Server) Remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, name := s.parentOf(p)
	if parent != nil {
		delete(parent.children, name)
	}
}

// Exists reports whether a resource is present at p.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(p) != nil
}

// ListNames returns the sorted child names of the directory at p.
func (s *Server) ListNames(p string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(p)
	if n == nil || !n.dir {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
