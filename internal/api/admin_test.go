package api

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestAdmin_ListAndResetQuotas(t *testing.T) {
	env := setupHandler(t, 5, nil)
	env.do(t, http.MethodPost, "/users/u1/chat", `{"message":"What is osmosis?"}`)

	rr := env.do(t, http.MethodGet, "/admin/quotas", "")
	var records []struct {
		UserID   string `json:"user_id"`
		Count    int    `json:"count"`
		ResetsIn string `json:"resets_in"`
	}
	json.NewDecoder(rr.Body).Decode(&records)
	if len(records) != 1 || records[0].UserID != "u1" || records[0].Count != 1 || records[0].ResetsIn == "" {
		t.Fatalf("records = %+v", records)
	}

	if rr := env.do(t, http.MethodDelete, "/admin/quotas/u1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d", rr.Code)
	}
	st, err := env.tracker.Check(t.Context(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 0 || st.Remaining != 5 {
		t.Errorf("after reset = %+v", st)
	}
}

func TestAdmin_GuidelinesCRUD(t *testing.T) {
	env := setupHandler(t, 5, nil)

	rr := env.do(t, http.MethodPost, "/admin/guidelines",
		`{"title":"Photosynthesis","category":"Biology","content":"photosynthesis","keywords":["photosynthesis"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created guidelineJSON
	json.NewDecoder(rr.Body).Decode(&created)
	if created.ID == "" || created.UpdatedAt == 0 {
		t.Fatalf("created = %+v", created)
	}

	rr = env.do(t, http.MethodPut, "/admin/guidelines/"+created.ID,
		`{"title":"Photosynthesis","category":"Biology","content":"photosynthesis in plants","keywords":["photosynthesis"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/admin/guidelines", "")
	var list []guidelineJSON
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != created.ID || list[0].Content != "photosynthesis in plants" {
		t.Fatalf("list = %+v", list)
	}

	// Both edits share one pending reindex job.
	counts, err := env.store.JobCounts(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if counts["pending"] != 1 {
		t.Errorf("pending jobs = %d, want 1", counts["pending"])
	}

	if rr := env.do(t, http.MethodDelete, "/admin/guidelines/"+created.ID, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPut, "/admin/guidelines/"+created.ID, `{"title":"x","content":"y"}`); rr.Code != http.StatusNotFound {
		t.Errorf("update of deleted guideline status = %d, want 404", rr.Code)
	}
}

func TestAdmin_GuidelineValidation(t *testing.T) {
	env := setupHandler(t, 5, nil)
	if rr := env.do(t, http.MethodPost, "/admin/guidelines", `{"title":"","content":"body"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing title status = %d, want 400", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/admin/guidelines", `not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rr.Code)
	}
}

func TestAdmin_SearchGuidelines(t *testing.T) {
	env := setupHandler(t, 5, nil)
	env.do(t, http.MethodPost, "/admin/guidelines",
		`{"title":"Photosynthesis","category":"Biology","content":"photosynthesis","keywords":["photosynthesis"]}`)
	env.do(t, http.MethodPost, "/admin/guidelines",
		`{"title":"Gravity","category":"Physics","content":"objects fall","keywords":["mass"]}`)

	rr := env.do(t, http.MethodGet, "/admin/guidelines/search?q=photosynthesis", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var results []searchResult
	json.NewDecoder(rr.Body).Decode(&results)
	if len(results) != 1 || results[0].Guideline.Title != "Photosynthesis" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Similarity < 0.9 {
		t.Errorf("similarity = %f, want >= 0.9", results[0].Similarity)
	}

	for _, q := range []string{"", "?q=x&k=0", "?q=x&k=51", "?q=x&k=abc"} {
		if rr := env.do(t, http.MethodGet, "/admin/guidelines/search"+q, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("search %q status = %d, want 400", q, rr.Code)
		}
	}
}

func TestAdmin_GuidelinesStatusAndRebuild(t *testing.T) {
	env := setupHandler(t, 5, nil)
	env.do(t, http.MethodPost, "/admin/guidelines",
		`{"title":"Essay structure","category":"Writing","content":"Start with a thesis.","keywords":["essay"]}`)

	rr := env.do(t, http.MethodPost, "/admin/guidelines/rebuild", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var rebuilt struct {
		Built  bool `json:"built"`
		Status struct {
			Loaded bool `json:"loaded"`
			Count  int  `json:"count"`
		} `json:"status"`
	}
	json.NewDecoder(rr.Body).Decode(&rebuilt)
	if !rebuilt.Built || !rebuilt.Status.Loaded || rebuilt.Status.Count != 1 {
		t.Errorf("rebuild = %+v", rebuilt)
	}

	rr = env.do(t, http.MethodGet, "/admin/guidelines/embeddings", "")
	var stats struct {
		Total      int `json:"total"`
		Embeddings []struct {
			ID         string `json:"id"`
			VectorSize int    `json:"vector_size"`
		} `json:"embeddings"`
	}
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats.Total != 1 || len(stats.Embeddings) != 1 || stats.Embeddings[0].VectorSize != 300 {
		t.Fatalf("embeddings = %+v", stats)
	}

	id := stats.Embeddings[0].ID
	if rr := env.do(t, http.MethodDelete, "/admin/guidelines/"+id+"/embedding", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete embedding status = %d", rr.Code)
	}
	json.NewDecoder(env.do(t, http.MethodGet, "/admin/guidelines/embeddings", "").Body).Decode(&stats)
	if stats.Total != 0 {
		t.Errorf("embeddings after delete = %d", stats.Total)
	}
}
