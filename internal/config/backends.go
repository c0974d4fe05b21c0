package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// BackendSeed — описание бэкенда в YAML-файле SM_BACKENDS_FILE.
type BackendSeed struct {
	Tenant string            `yaml:"tenant"`
	Label  string            `yaml:"label"`
	Type   string            `yaml:"type"`
	Plugin string            `yaml:"plugin"`
	Active *bool             `yaml:"active"`
	Params map[string]string `yaml:"params"`
}

// backendsFile — корневой элемент YAML-файла.
type backendsFile struct {
	Backends []BackendSeed `yaml:"backends"`
}

// LoadBackendSeeds читает и валидирует YAML-файл начальных бэкендов.
// Пустой путь — нет начальных бэкендов.
//
// Пример:
//
//	backends:
//	  - tenant: default
//	    label: disk-1
//	    type: online
//	    plugin: disk
//	    params:
//	      root: /data/disk-1
func LoadBackendSeeds(path string, tenants []string) ([]BackendSeed, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение файла бэкендов %s: %w", path, err)
	}

	var file backendsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("разбор файла бэкендов %s: %w", path, err)
	}

	known := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		known[t] = true
	}

	seen := make(map[string]bool)
	for i := range file.Backends {
		seed := &file.Backends[i]
		if seed.Tenant == "" && len(tenants) == 1 {
			seed.Tenant = tenants[0]
		}
		if !known[seed.Tenant] {
			return nil, fmt.Errorf("бэкенд #%d: неизвестный арендатор %q", i, seed.Tenant)
		}
		if seed.Label == "" {
			return nil, fmt.Errorf("бэкенд #%d: не задана метка", i)
		}
		if seed.Plugin == "" {
			return nil, fmt.Errorf("бэкенд %s: не задан плагин", seed.Label)
		}
		if _, err := model.ParseBackendType(seed.Type); err != nil {
			return nil, fmt.Errorf("бэкенд %s: %w", seed.Label, err)
		}
		key := seed.Tenant + "/" + seed.Label
		if seen[key] {
			return nil, fmt.Errorf("бэкенд %s: метка повторяется для арендатора %s", seed.Label, seed.Tenant)
		}
		seen[key] = true
	}

	return file.Backends, nil
}

// Entry преобразует описание в запись реестра (без приоритета).
func (s BackendSeed) Entry() *model.BackendEntry {
	bt, _ := model.ParseBackendType(s.Type)
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return &model.BackendEntry{
		Tenant: s.Tenant,
		Type:   bt,
		Config: model.BackendConfig{
			Label:    s.Label,
			PluginID: s.Plugin,
			Active:   active,
			Params:   s.Params,
		},
	}
}
