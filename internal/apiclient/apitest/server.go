// Package apitest provides an in-memory data-management API for tests.
//
// The server implements the subset of the API the publisher relies on: paged resource
// collections with Total-Count, change-version filtering, deletes and keyChanges
// collections, natural-key queries, item-by-id access, the change queries endpoints, the
// dependency metadata document and an OAuth token endpoint. Every request is recorded so
// tests can assert ordering, and failures can be injected per method and path.
package apitest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const dataPrefix = "/data/v3"

var reservedParams = map[string]bool{
	"offset": true, "limit": true, "totalCount": true,
	"minChangeVersion": true, "maxChangeVersion": true,
}

// Call is one recorded request
type Call struct {
	Method   string
	Path     string
	RawQuery string
	Body     []byte
	Status   int
	At       time.Time
}

// Interceptor may answer a request before the server handles it. Returning handled=false
// lets the request through.
type Interceptor func(method, path string, query map[string][]string, body []byte) (status int, response string, handled bool)

type record struct {
	item          map[string]any
	changeVersion int64
}

type tracked struct {
	document      map[string]any
	changeVersion int64
}

type collection struct {
	name       string
	keyFields  []string
	items      []*record
	deletes    []tracked
	keyChanges []tracked
}

// Server is a fake data-management API
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	version        string
	collections    map[string]*collection
	dependencies   map[string][]string
	trackChanges   bool
	oldestVersion  int64
	newestVersion  int64
	snapshots      []string
	calls          []Call
	interceptors   []Interceptor
	latency        time.Duration
	lastSnapshotID string
}

// NewServer starts a fake API reporting the given version
func NewServer(version string) *Server {
	s := &Server{
		version:      version,
		collections:  make(map[string]*collection),
		dependencies: make(map[string][]string),
		trackChanges: true,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	s.Server.Config.SetKeepAlivesEnabled(false)
	return s
}

// SetLatency delays every data request, making overlapping work observable
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// DisableChangeTracking makes the deletes and keyChanges endpoints return 404 and hides
// them from the resource metadata.
func (s *Server) DisableChangeTracking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackChanges = false
}

// SetDependencies sets the dependency metadata served by the metadata endpoint
func (s *Server) SetDependencies(deps map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependencies = deps
	for resource := range deps {
		s.collectionLocked(resource)
	}
}

// SetKeyFields declares the natural key of a resource. POSTs matching an existing item on
// these fields update it instead of inserting a new one.
func (s *Server) SetKeyFields(resource string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectionLocked(resource).keyFields = fields
}

// AddSnapshot registers a snapshot identifier
func (s *Server) AddSnapshot(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, id)
}

// Intercept registers an interceptor consulted before every request, in order
func (s *Server) Intercept(interceptor Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interceptors = append(s.interceptors, interceptor)
}

// FailTimes answers the next n requests matching method and path with status
func (s *Server) FailTimes(method, path string, status, n int, response string) {
	var mu sync.Mutex
	remaining := n
	s.Intercept(func(m, p string, _ map[string][]string, _ []byte) (int, string, bool) {
		if m != method || !strings.EqualFold(p, path) {
			return 0, "", false
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining == 0 {
			return 0, "", false
		}
		remaining--
		return status, response, true
	})
}

// AddItem stores an item recorded at changeVersion. Items without an id are assigned one.
func (s *Server) AddItem(resource string, item map[string]any, changeVersion int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	item = normalize(item)
	id, _ := item["id"].(string)
	if id == "" {
		id = uuid.NewString()
		item["id"] = id
	}
	c := s.collectionLocked(resource)
	c.items = append(c.items, &record{item: item, changeVersion: changeVersion})
	s.observeVersionLocked(changeVersion)
	return id
}

// AddDelete records a tracked delete
func (s *Server) AddDelete(resource, id string, keyValues map[string]any, changeVersion int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := map[string]any{"id": id, "changeVersion": changeVersion}
	if keyValues != nil {
		doc["keyValues"] = normalize(keyValues)
	}
	c := s.collectionLocked(resource)
	c.deletes = append(c.deletes, tracked{document: doc, changeVersion: changeVersion})
	s.observeVersionLocked(changeVersion)
}

// AddKeyChange records a tracked natural key change
func (s *Server) AddKeyChange(resource, id string, oldKeys, newKeys map[string]any, changeVersion int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := map[string]any{"id": id, "changeVersion": changeVersion}
	if oldKeys != nil {
		doc["oldKeyValues"] = normalize(oldKeys)
	}
	if newKeys != nil {
		doc["newKeyValues"] = normalize(newKeys)
	}
	c := s.collectionLocked(resource)
	c.keyChanges = append(c.keyChanges, tracked{document: doc, changeVersion: changeVersion})
	s.observeVersionLocked(changeVersion)
}

// SetChangeVersions overrides the available change versions
func (s *Server) SetChangeVersions(oldest, newest int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oldestVersion, s.newestVersion = oldest, newest
}

// Items returns a copy of the items stored for resource
func (s *Server) Items(resource string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[strings.ToLower(resource)]
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(c.items))
	for _, r := range c.items {
		out = append(out, normalize(r.item))
	}
	return out
}

// Calls returns the recorded requests
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded requests with the given method whose path starts with prefix
func (s *Server) CallsTo(method, prefix string) []Call {
	var out []Call
	for _, call := range s.Calls() {
		if call.Method == method && strings.HasPrefix(strings.ToLower(call.Path), strings.ToLower(prefix)) {
			out = append(out, call)
		}
	}
	return out
}

// LastSnapshotHeader returns the snapshot header seen on the most recent request
func (s *Server) LastSnapshotHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshotID
}

func (s *Server) collectionLocked(resource string) *collection {
	key := strings.ToLower(resource)
	c, ok := s.collections[key]
	if !ok {
		c = &collection{name: resource}
		s.collections[key] = c
	}
	return c
}

func (s *Server) observeVersionLocked(changeVersion int64) {
	if changeVersion > s.newestVersion {
		s.newestVersion = changeVersion
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}

	s.mu.Lock()
	interceptors := append([]Interceptor(nil), s.interceptors...)
	latency := s.latency
	s.lastSnapshotID = r.Header.Get("Snapshot-Identifier")
	s.mu.Unlock()

	status, response, header := 0, "", http.Header{}
	for _, interceptor := range interceptors {
		if code, resp, handled := interceptor(r.Method, path, r.URL.Query(), body); handled {
			status, response = code, resp
			break
		}
	}
	if status == 0 {
		if latency > 0 && strings.HasPrefix(path, dataPrefix) {
			time.Sleep(latency)
		}
		status, response, header = s.route(r.Method, path, r.URL.Query(), body)
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Body:     body,
		Status:   status,
		At:       time.Now(),
	})
	s.mu.Unlock()

	for name, values := range header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	if response != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(response))
}

func (s *Server) route(method, path string, query map[string][]string, body []byte) (int, string, http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case path == "/" && method == http.MethodGet:
		return jsonResponse(http.StatusOK, map[string]any{
			"version":    s.version,
			"dataModels": []map[string]string{{"name": "Ed-Fi", "version": "3.3.1-b"}},
		})
	case path == "/oauth/token" && method == http.MethodPost:
		return jsonResponse(http.StatusOK, map[string]any{
			"access_token": "test-token", "token_type": "bearer", "expires_in": 3600,
		})
	case path == "/changeQueries/v1/availableChangeVersions":
		return jsonResponse(http.StatusOK, map[string]int64{
			"oldestChangeVersion": s.oldestVersion,
			"newestChangeVersion": s.newestVersion,
		})
	case path == "/changeQueries/v1/snapshots":
		snapshots := make([]map[string]string, 0, len(s.snapshots))
		for i, id := range s.snapshots {
			snapshots = append(snapshots, map[string]string{
				"snapshotIdentifier": id,
				"snapshotDateTime":   fmt.Sprintf("2024-01-%02dT00:00:00Z", i+1),
			})
		}
		return jsonResponse(http.StatusOK, snapshots)
	case path == "/metadata/data/v3/dependencies":
		return http.StatusOK, s.graphMLLocked(), http.Header{"Content-Type": {"application/graphml"}}
	case path == "/metadata/data/v3/resources/swagger.json":
		return jsonResponse(http.StatusOK, map[string]any{"paths": s.pathsLocked()})
	case strings.HasPrefix(path, dataPrefix+"/"):
		return s.routeDataLocked(method, strings.TrimPrefix(path, dataPrefix), query, body)
	}
	return http.StatusNotFound, `{"message":"not found"}`, nil
}

func (s *Server) routeDataLocked(method, path string, query map[string][]string, body []byte) (int, string, http.Header) {
	if c, ok := s.collections[strings.ToLower(path)]; ok {
		switch method {
		case http.MethodGet:
			return s.listLocked(c, query)
		case http.MethodPost:
			return s.postLocked(c, body)
		}
		return http.StatusMethodNotAllowed, "", nil
	}

	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return http.StatusNotFound, `{"message":"unknown resource"}`, nil
	}
	resource, tail := path[:idx], path[idx+1:]
	c, ok := s.collections[strings.ToLower(resource)]
	if !ok {
		return http.StatusNotFound, `{"message":"unknown resource"}`, nil
	}

	switch {
	case tail == "deletes" && method == http.MethodGet:
		if !s.trackChanges {
			return http.StatusNotFound, "", nil
		}
		return pageTracked(c.deletes, query)
	case tail == "keyChanges" && method == http.MethodGet:
		if !s.trackChanges {
			return http.StatusNotFound, "", nil
		}
		return pageTracked(c.keyChanges, query)
	}

	pos := -1
	for i, r := range c.items {
		if r.item["id"] == tail {
			pos = i
			break
		}
	}
	if pos < 0 {
		return http.StatusNotFound, `{"message":"item not found"}`, nil
	}

	switch method {
	case http.MethodGet:
		return jsonResponse(http.StatusOK, c.items[pos].item)
	case http.MethodPut:
		item, err := decode(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Sprintf(`{"message":%q}`, err.Error()), nil
		}
		item["id"] = tail
		c.items[pos].item = item
		return http.StatusNoContent, "", nil
	case http.MethodDelete:
		c.items = append(c.items[:pos], c.items[pos+1:]...)
		return http.StatusNoContent, "", nil
	}
	return http.StatusMethodNotAllowed, "", nil
}

func (s *Server) listLocked(c *collection, query map[string][]string) (int, string, http.Header) {
	minVersion, maxVersion := versionRange(query)

	var matched []map[string]any
	for _, r := range c.items {
		if r.changeVersion < minVersion || r.changeVersion > maxVersion {
			continue
		}
		if !matchesFilters(r.item, query) {
			continue
		}
		matched = append(matched, r.item)
	}
	return page(matched, query)
}

func (s *Server) postLocked(c *collection, body []byte) (int, string, http.Header) {
	item, err := decode(body)
	if err != nil {
		return http.StatusBadRequest, fmt.Sprintf(`{"message":%q}`, err.Error()), nil
	}
	if _, ok := item["id"]; ok {
		return http.StatusBadRequest, `{"message":"id must not be supplied on POST"}`, nil
	}

	if len(c.keyFields) > 0 {
		for _, r := range c.items {
			if sameKey(r.item, item, c.keyFields) {
				item["id"] = r.item["id"]
				r.item = item
				return http.StatusOK, "", nil
			}
		}
	}

	id := uuid.NewString()
	item["id"] = id
	s.newestVersion++
	c.items = append(c.items, &record{item: item, changeVersion: s.newestVersion})
	return http.StatusCreated, "", http.Header{"Location": {dataPrefix + c.name + "/" + id}}
}

func (s *Server) graphMLLocked() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<graphml xmlns="http://graphml.graphdrawing.org/xmlns"><graph id="EdFi Dependencies" edgedefault="directed">`)
	keys := make([]string, 0, len(s.dependencies))
	for key := range s.dependencies {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, `<node id="%s"/>`, key)
	}
	for _, key := range keys {
		for _, dep := range s.dependencies[key] {
			fmt.Fprintf(&b, `<edge source="%s" target="%s"/>`, dep, key)
		}
	}
	b.WriteString(`</graph></graphml>`)
	return b.String()
}

func (s *Server) pathsLocked() map[string]any {
	paths := make(map[string]any)
	for _, c := range s.collections {
		paths[c.name] = map[string]any{}
		if s.trackChanges {
			paths[c.name+"/deletes"] = map[string]any{}
			paths[c.name+"/keyChanges"] = map[string]any{}
		}
	}
	return paths
}

func versionRange(query map[string][]string) (int64, int64) {
	minVersion, maxVersion := int64(-1<<63), int64(1<<63-1)
	if v := first(query, "minChangeVersion"); v != "" {
		minVersion, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := first(query, "maxChangeVersion"); v != "" {
		maxVersion, _ = strconv.ParseInt(v, 10, 64)
	}
	return minVersion, maxVersion
}

func pageTracked(entries []tracked, query map[string][]string) (int, string, http.Header) {
	minVersion, maxVersion := versionRange(query)
	var matched []map[string]any
	for _, entry := range entries {
		if entry.changeVersion >= minVersion && entry.changeVersion <= maxVersion {
			matched = append(matched, entry.document)
		}
	}
	return page(matched, query)
}

func page(items []map[string]any, query map[string][]string) (int, string, http.Header) {
	offset, _ := strconv.Atoi(first(query, "offset"))
	limit, err := strconv.Atoi(first(query, "limit"))
	if err != nil || limit <= 0 {
		limit = 25
	}

	header := http.Header{}
	if first(query, "totalCount") == "true" {
		header.Set("Total-Count", strconv.Itoa(len(items)))
	}

	pageItems := []map[string]any{}
	if offset < len(items) {
		end := min(offset+limit, len(items))
		pageItems = items[offset:end]
	}
	status, body, _ := jsonResponse(http.StatusOK, pageItems)
	return status, body, header
}

func matchesFilters(item map[string]any, query map[string][]string) bool {
	for key, values := range query {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		value, ok := lookupField(item, key)
		if !ok || fmt.Sprint(value) != values[0] {
			return false
		}
	}
	return true
}

// lookupField finds key at the top level of item or inside any reference object
func lookupField(item map[string]any, key string) (any, bool) {
	if value, ok := item[key]; ok {
		return value, true
	}
	for name, child := range item {
		if !strings.HasSuffix(name, "Reference") {
			continue
		}
		if reference, ok := child.(map[string]any); ok {
			if value, ok := reference[key]; ok {
				return value, true
			}
		}
	}
	return nil, false
}

func sameKey(a, b map[string]any, fields []string) bool {
	for _, field := range fields {
		left, okLeft := lookupField(a, field)
		right, okRight := lookupField(b, field)
		if !okLeft || !okRight || fmt.Sprint(left) != fmt.Sprint(right) {
			return false
		}
	}
	return true
}

func first(query map[string][]string, key string) string {
	if values := query[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func decode(body []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var item map[string]any
	if err := decoder.Decode(&item); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("body is not a JSON object")
	}
	return item, nil
}

// normalize deep-copies a value through JSON so stored items never alias test data
func normalize(item map[string]any) map[string]any {
	data, err := json.Marshal(item)
	if err != nil {
		panic(fmt.Sprintf("apitest: item is not JSON-serializable: %v", err))
	}
	out, err := decode(data)
	if err != nil {
		panic(fmt.Sprintf("apitest: %v", err))
	}
	return out
}

func jsonResponse(status int, v any) (int, string, http.Header) {
	data, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, fmt.Sprintf(`{"message":%q}`, err.Error()), nil
	}
	return status, string(data), nil
}
