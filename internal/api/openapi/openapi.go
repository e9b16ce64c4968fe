// Пакет openapi — встроенное описание HTTP API.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var rawDocument []byte

var (
	loadOnce sync.Once
	doc      *openapi3.T
	docJSON  []byte
	loadErr  error
)

// Load разбирает и проверяет встроенный документ. Результат кэшируется.
func Load() (*openapi3.T, error) {
	loadOnce.Do(func() {
		loader := openapi3.NewLoader()
		d, err := loader.LoadFromData(rawDocument)
		if err != nil {
			loadErr = fmt.Errorf("разбор openapi.yaml: %w", err)
			return
		}
		if err := d.Validate(context.Background()); err != nil {
			loadErr = fmt.Errorf("проверка openapi.yaml: %w", err)
			return
		}
		data, err := json.Marshal(d)
		if err != nil {
			loadErr = fmt.Errorf("сериализация openapi: %w", err)
			return
		}
		doc, docJSON = d, data
	})
	return doc, loadErr
}

// Handler отдаёт документ в JSON.
func Handler(w http.ResponseWriter, _ *http.Request) {
	if _, err := Load(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(docJSON)
}
