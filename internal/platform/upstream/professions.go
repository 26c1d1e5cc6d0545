package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// Profession is one option row served by the dropdown API.
type Profession struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// SearchProfessions returns the options of a category whose name matches
// search. An empty search lists the category.
func (a *API) SearchProfessions(ctx context.Context, category, search string, limit int) ([]Profession, error) {
	const label = "GET /professions/category/:category"
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, err := a.dropdown.do(ctx, label, http.MethodGet, a.dropdown.endpoint(q, "professions", "category", category), nil)
	if err != nil {
		return nil, err
	}
	var out []Profession
	if _, err := decodeEnvelope(label, raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProfessionCategories lists the dropdown categories known to the API.
func (a *API) ProfessionCategories(ctx context.Context) ([]string, error) {
	const label = "GET /professions/categories"
	raw, err := a.dropdown.do(ctx, label, http.MethodGet, a.dropdown.endpoint(nil, "professions", "categories"), nil)
	if err != nil {
		return nil, err
	}
	var out []string
	if _, err := decodeEnvelope(label, raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
