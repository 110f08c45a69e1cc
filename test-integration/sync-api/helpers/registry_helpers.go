package helpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/digdir/erproxy-sync/internal/registry"
)

var embeddedKeys = map[string]string{
	registry.TagUnits:    "oppdaterteEnheter",
	registry.TagSubunits: "oppdaterteUnderenheter",
}

// FakeRegistry serves bulk exports, change feeds and entities for the
// units and subunits partitions
type FakeRegistry struct {
	server *httptest.Server

	mu       sync.Mutex
	entities map[string]map[string]string
	changes  map[string][]registry.ChangeEvent
	nextID   int64
	requests map[string]int
}

// NewFakeRegistry starts a fake registry with no entities
func NewFakeRegistry() *FakeRegistry {
	f := &FakeRegistry{
		entities: map[string]map[string]string{
			registry.TagUnits:    {},
			registry.TagSubunits: {},
		},
		changes:  map[string][]registry.ChangeEvent{},
		requests: map[string]int{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL returns the API root of the fake registry
func (f *FakeRegistry) URL() string {
	return f.server.URL
}

// Close stops the fake registry
func (f *FakeRegistry) Close() {
	f.server.Close()
}

// Entity builds a minimal entity body
func Entity(id, name string) string {
	return fmt.Sprintf(`{"organisasjonsnummer":%q,"navn":%q}`, id, name)
}

// Put stores or replaces an entity without recording a change
func (f *FakeRegistry) Put(tag, id, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[tag][id] = body
}

// Update stores or replaces an entity and records a change at the given time
func (f *FakeRegistry) Update(tag, id, body string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.entities[tag][id]
	f.entities[tag][id] = body
	changeType := registry.ChangeTypeNew
	if existed {
		changeType = registry.ChangeTypeChange
	}
	f.record(tag, id, changeType, at)
}

// Remove deletes an entity and records a deletion at the given time
func (f *FakeRegistry) Remove(tag, id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities[tag], id)
	f.record(tag, id, registry.ChangeTypeDelete, at)
}

// Requests returns how often a path was requested
func (f *FakeRegistry) Requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func (f *FakeRegistry) record(tag, id, changeType string, at time.Time) {
	f.nextID++
	f.changes[tag] = append(f.changes[tag], registry.ChangeEvent{
		UpdateID:           f.nextID,
		Date:               at.UTC(),
		OrganizationNumber: id,
		ChangeType:         changeType,
	})
}

func (f *FakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[r.URL.Path]++

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "lastned":
		f.serveSnapshot(w, parts[0])
	case len(parts) == 2 && parts[0] == "oppdateringer":
		f.serveChanges(w, r, parts[1])
	case len(parts) == 2:
		f.serveEntity(w, parts[0], parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeRegistry) serveSnapshot(w http.ResponseWriter, tag string) {
	entities, ok := f.entities[tag]
	if !ok {
		http.Error(w, "unknown tag", http.StatusNotFound)
		return
	}

	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte("["))
	for i, id := range ids {
		if i > 0 {
			_, _ = gz.Write([]byte(","))
		}
		_, _ = gz.Write([]byte(entities[id]))
	}
	_, _ = gz.Write([]byte("]"))
	_ = gz.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(buf.Bytes())
}

func (f *FakeRegistry) serveChanges(w http.ResponseWriter, r *http.Request, tag string) {
	since, err := time.Parse(registry.CursorLayout, r.URL.Query().Get("dato"))
	if err != nil {
		http.Error(w, "invalid dato", http.StatusBadRequest)
		return
	}

	var events []registry.ChangeEvent
	for _, ev := range f.changes[tag] {
		if ev.Date.After(since) {
			events = append(events, ev)
		}
	}

	page := registry.ChangePage{
		Embedded: map[string][]registry.ChangeEvent{embeddedKeys[tag]: events},
		Page: registry.PageInfo{
			Size:          int64(len(events)),
			TotalElements: int64(len(events)),
			TotalPages:    1,
			Number:        0,
		},
	}
	if len(events) == 0 {
		page.Embedded = nil
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func (f *FakeRegistry) serveEntity(w http.ResponseWriter, tag, id string) {
	body, ok := f.entities[tag][id]
	if !ok {
		w.WriteHeader(http.StatusGone)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}
