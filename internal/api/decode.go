package api

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

const maxBodyBytes = 1 << 20

// decodeRequest reads a JSON body, or form fields for any other content type.
func decodeRequest[T any](r *http.Request, dst *T, fromForm func(get func(string) string, dst *T) error) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
		return dec.Decode(dst)
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return err
	}
	return fromForm(r.Form.Get, dst)
}

func scrapeForm(get func(string) string, req *ScrapeRequest) error {
	req.SearchTerm = get("search_term")
	var err error
	if req.NumProducts, err = formInt(get("num_products")); err != nil {
		return err
	}
	if req.MinPrice, err = formFloat(get("min_price")); err != nil {
		return err
	}
	if req.MaxPrice, err = formFloat(get("max_price")); err != nil {
		return err
	}
	req.Debug = formBool(get("debug"))
	return nil
}

func assistForm(get func(string) string, req *AssistRequest) error {
	req.SearchTerm = get("search_term")
	req.Proxy = strings.TrimSpace(get("proxy"))
	var err error
	req.NumProducts, err = formInt(get("num_products"))
	return err
}

func formInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func formFloat(v string) (*float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", v)
	}
	return &f, nil
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
