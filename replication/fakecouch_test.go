package replication

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"taskist-core/domain"
)

// fakeCouch is an in-memory stand-in for the remote document store: database
// creation, revision-checked document writes, a sequence-numbered change feed
// and optional conflict branches.
type fakeCouch struct {
	mu        sync.Mutex
	dbName    string
	created   bool
	docs      map[string]couchDoc
	branches  map[string]map[string]couchDoc
	seq         int
	feed        []string
	failNext    int
	unauth      bool
	putsCount   int
	conflictIDs map[string]bool
}

func newFakeCouch(dbName string) *fakeCouch {
	return &fakeCouch{
		dbName:   dbName,
		docs:     make(map[string]couchDoc),
		branches: make(map[string]map[string]couchDoc),
	}
}

func (f *fakeCouch) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(f.handle))
}

func (f *fakeCouch) settings(baseURL string) domain.SyncSettings {
	return domain.SyncSettings{
		Mode:     domain.SyncModeSelfHosted,
		URL:      baseURL,
		Username: "admin",
		Password: "admin",
		DBName:   f.dbName,
	}
}

// seed installs a document directly, bypassing revision checks.
func (f *fakeCouch) seed(doc couchDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	f.seq++
	f.feed = append(f.feed, doc.ID)
}

// seedBranch installs a conflicting revision alongside the current winner.
func (f *fakeCouch) seedBranch(id string, doc couchDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.branches[id] == nil {
		f.branches[id] = make(map[string]couchDoc)
	}
	f.branches[id][doc.Rev] = doc
}

func (f *fakeCouch) doc(id string) (couchDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	return d, ok
}

func (f *fakeCouch) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unauth {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != f.dbName {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPut:
		if f.created {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		f.created = true
		w.WriteHeader(http.StatusCreated)
	case len(parts) == 2 && parts[1] == "_changes" && r.Method == http.MethodGet:
		f.handleChanges(w, r)
	case len(parts) == 2 && r.Method == http.MethodGet:
		f.handleGet(w, r, parts[1])
	case len(parts) == 2 && r.Method == http.MethodPut:
		f.handlePut(w, r, parts[1])
	case len(parts) == 2 && r.Method == http.MethodDelete:
		f.handleDelete(w, r, parts[1])
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCouch) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if rev := r.URL.Query().Get("rev"); rev != "" {
		if d, ok := f.branches[id][rev]; ok {
			writeJSON(w, http.StatusOK, d)
			return
		}
		if d, ok := f.docs[id]; ok && d.Rev == rev {
			writeJSON(w, http.StatusOK, d)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	d, ok := f.docs[id]
	if !ok || d.Deleted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("conflicts") == "true" {
		for rev := range f.branches[id] {
			d.Conflicts = append(d.Conflicts, rev)
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func (f *fakeCouch) handlePut(w http.ResponseWriter, r *http.Request, id string) {
	var doc couchDoc
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&doc); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.putsCount++
	if f.conflictIDs[id] {
		w.WriteHeader(http.StatusConflict)
		return
	}
	cur, exists := f.docs[id]
	if exists && cur.Rev != doc.Rev {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if !exists && doc.Rev != "" {
		w.WriteHeader(http.StatusConflict)
		return
	}
	doc.ID = id
	doc.Rev = domain.NewRevision(doc.Rev)
	doc.Conflicts = nil
	f.docs[id] = doc
	f.seq++
	f.feed = append(f.feed, id)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": doc.Rev})
}

func (f *fakeCouch) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	rev := r.URL.Query().Get("rev")
	if _, ok := f.branches[id][rev]; ok {
		delete(f.branches[id], rev)
		w.WriteHeader(http.StatusOK)
		return
	}
	cur, exists := f.docs[id]
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if cur.Rev != rev {
		w.WriteHeader(http.StatusConflict)
		return
	}
	// promote a surviving branch if one exists, the way branch pruning does
	if rest := f.branches[id]; len(rest) > 0 {
		for r2, d2 := range rest {
			f.docs[id] = d2
			delete(rest, r2)
			break
		}
	} else {
		cur.Deleted = true
		cur.Rev = domain.NewRevision(cur.Rev)
		f.docs[id] = cur
	}
	f.seq++
	f.feed = append(f.feed, id)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeCouch) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	includeConflicts := r.URL.Query().Get("conflicts") == "true"
	resp := changesResponse{LastSeq: strconv.Itoa(f.seq), Results: []changeResult{}}
	seen := make(map[string]bool)
	// report only the latest change per document, like a real feed
	for i := len(f.feed) - 1; i >= 0; i-- {
		seqNum := i + 1
		id := f.feed[i]
		if seen[id] {
			continue
		}
		seen[id] = true
		if seqNum <= since {
			continue
		}
		d, ok := f.docs[id]
		if !ok {
			continue
		}
		if includeConflicts {
			for rev := range f.branches[id] {
				d.Conflicts = append(d.Conflicts, rev)
			}
		}
		doc := d
		resp.Results = append(resp.Results, changeResult{
			ID:      id,
			Seq:     strconv.Itoa(seqNum),
			Deleted: d.Deleted,
			Doc:     &doc,
		})
	}
	for i, j := 0, len(resp.Results)-1; i < j; i, j = i+1, j-1 {
		resp.Results[i], resp.Results[j] = resp.Results[j], resp.Results[i]
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, _ := sonic.ConfigStd.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
